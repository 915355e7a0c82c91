package models

// ChunkEntry is a cached chunk payload.
type ChunkEntry struct {
	ChunkID    string `json:"chunk_id"`
	Data       []byte `json:"data"`
	InsertedAt int64  `json:"inserted_at"`
	Seq        uint64 `json:"seq"`
}

// ChunkSources maps each announcing peer to its announce time.
type ChunkSources struct {
	ChunkID string           `json:"chunk_id"`
	Peers   map[string]int64 `json:"peers"`
}
