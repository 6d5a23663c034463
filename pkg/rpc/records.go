package rpc

// RecordsPath is the route serving a writer log, relative to a node's base
// URL. {writer} is the writer id.
const RecordsPath = "/api/logs/{writer}/records"

// RecordsResponse is the body of a records request. Records[i] has
// sequence From+i.
type RecordsResponse struct {
	Writer  string   `json:"writer"`
	From    uint64   `json:"from"`
	Records [][]byte `json:"records"`
}
