package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE cache_entries (
				key CHAR(64) PRIMARY KEY,
				node TEXT NOT NULL,
				codec VARCHAR(32) NOT NULL,
				outputs INT NOT NULL CHECK (outputs > 0),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE cache_outputs (
				key CHAR(64) NOT NULL REFERENCES cache_entries(key) ON DELETE CASCADE,
				position INT NOT NULL,
				data BYTEA NOT NULL,
				PRIMARY KEY (key, position)
			);
		`,
		2: `
			CREATE INDEX idx_cache_entries_node ON cache_entries(node);
			CREATE INDEX idx_cache_entries_created_at ON cache_entries(created_at);
		`,
	}
}
