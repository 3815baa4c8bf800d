package service

// wireFrame is both directions of the RPC wire: frames carrying an opcode
// are requests, frames without one are responses to an earlier uuid
type wireFrame struct {
	Opcode string                 `json:"opcode,omitempty"`
	UUID   string                 `json:"uuid"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

func (f *wireFrame) isRequest() bool {
	return f.Opcode != ""
}
