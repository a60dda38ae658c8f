package rpc

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed resource_protocol.md
var protocolDoc embed.FS

const protocolURI = "protocol://current"

func resourceDefinitions() []map[string]any {
	return []map[string]any{
		{
			"uri":         protocolURI,
			"name":        "protocol",
			"description": "Describes the broker's line-delimited JSON-RPC wire format.",
			"mimeType":    "text/markdown",
		},
	}
}

func (s *Server) handleResourceRead(raw json.RawMessage) (any, *rpcError) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}
	if params.URI != protocolURI {
		return nil, &rpcError{Code: -32601, Message: fmt.Sprintf("unknown resource: %s", params.URI)}
	}

	content, err := protocolDoc.ReadFile("resource_protocol.md")
	if err != nil {
		return nil, &rpcError{Code: -32603, Message: err.Error()}
	}

	return map[string]any{
		"contents": []map[string]any{
			{"uri": protocolURI, "mimeType": "text/markdown", "text": string(content)},
		},
	}, nil
}
