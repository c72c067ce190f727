package ledger

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// JSON-RPC 2.0 method names of the identity registry contract gateway.
const (
	MethodRegisterID = "idanchor_registerID"
	MethodGetReceipt = "idanchor_getReceipt"
	MethodGetID      = "idanchor_getID"
)

// JSON-RPC error codes used by the gateway.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeRejected       = -32000
	codeNotFound       = -32001
	codeUnderpriced    = -32003
)

// SignatureHeader carries the signer's per-request token.
const SignatureHeader = "X-Idanchor-Signature"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type registerParams struct {
	Owner string `json:"owner"`
	Hash  string `json:"hash"`
}

type registerResult struct {
	TxRef TxRef `json:"tx_ref"`
}

type receiptParams struct {
	TxRef TxRef `json:"tx_ref"`
}

type getIDParams struct {
	Owner string `json:"owner"`
}

type getIDResult struct {
	Hash string `json:"hash"`
}

// requestClaims bind a signer token to one request body on one chain.
type requestClaims struct {
	ChainID  int64  `json:"chain_id"`
	BodyHash string `json:"body_sha256"`
	jwt.RegisteredClaims
}
