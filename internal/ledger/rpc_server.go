package ledger

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/canonical"
)

// SignerVerification is what the gateway checks on every request token.
type SignerVerification struct {
	ChainID         int64
	ContractAddress string
	PublicKey       *ecdsa.PublicKey
}

// RPCHandler serves the gateway side of the JSON-RPC schema over any Client.
// cmd/ledgersim mounts it in front of a Simulated ledger.
type RPCHandler struct {
	backend Client
	verify  *SignerVerification
	logger  *zap.Logger
}

// NewRPCHandler creates a handler. A nil verify accepts unsigned requests.
func NewRPCHandler(backend Client, verify *SignerVerification, logger *zap.Logger) *RPCHandler {
	return &RPCHandler{backend: backend, verify: verify, logger: logger}
}

// Register mounts POST /rpc.
func (h *RPCHandler) Register(r gin.IRoutes) {
	r.POST("/rpc", h.Serve)
}

// Serve handles one JSON-RPC request.
func (h *RPCHandler) Serve(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}

	if h.verify != nil {
		if err := h.checkSignature(c.GetHeader(SignatureHeader), body); err != nil {
			h.logger.Warn("ledgersim: rejected signature", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signer token"})
			return
		}
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil || req.JSONRPC != "2.0" {
		c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidParams, Message: "malformed request"}})
		return
	}

	ctx := c.Request.Context()
	var result any
	switch req.Method {
	case MethodRegisterID:
		var p registerParams
		owner, hash, perr := decodeRegister(req.Params, &p)
		if perr != nil {
			h.writeError(c, req.ID, codeInvalidParams, perr.Error())
			return
		}
		ref, err := h.backend.SubmitHash(ctx, owner, hash)
		if err != nil {
			h.writeBackendError(c, req.ID, err)
			return
		}
		result = registerResult{TxRef: ref}

	case MethodGetReceipt:
		var p receiptParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TxRef == "" {
			h.writeError(c, req.ID, codeInvalidParams, "tx_ref is required")
			return
		}
		rcpt, err := h.backend.GetReceipt(ctx, p.TxRef)
		if err != nil {
			h.writeBackendError(c, req.ID, err)
			return
		}
		result = rcpt

	case MethodGetID:
		var p getIDParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			h.writeError(c, req.ID, codeInvalidParams, "owner is required")
			return
		}
		owner, err := ParseAddress(p.Owner)
		if err != nil {
			h.writeError(c, req.ID, codeInvalidParams, err.Error())
			return
		}
		stored, err := h.backend.QueryStoredHash(ctx, owner)
		if err != nil {
			h.writeBackendError(c, req.ID, err)
			return
		}
		result = getIDResult{Hash: stored.String()}

	default:
		h.writeError(c, req.ID, codeMethodNotFound, "unknown method "+req.Method)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		h.writeError(c, req.ID, codeInternal, "encode result")
		return
	}
	c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: raw})
}

func decodeRegister(raw json.RawMessage, p *registerParams) (Address, canonical.Hash, error) {
	if err := json.Unmarshal(raw, p); err != nil {
		return Address{}, canonical.ZeroHash, err
	}
	owner, err := ParseAddress(p.Owner)
	if err != nil {
		return Address{}, canonical.ZeroHash, err
	}
	hash, err := canonical.ParseHash(p.Hash)
	if err != nil {
		return Address{}, canonical.ZeroHash, err
	}
	return owner, hash, nil
}

func (h *RPCHandler) writeBackendError(c *gin.Context, id uint64, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(c, id, codeNotFound, err.Error())
	case errors.Is(err, ErrSubmissionRejected):
		h.writeError(c, id, codeRejected, err.Error())
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func (h *RPCHandler) writeError(c *gin.Context, id uint64, code int, msg string) {
	c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}

func (h *RPCHandler) checkSignature(token string, body []byte) error {
	if token == "" {
		return errors.New("missing token")
	}
	claims := &requestClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return h.verify.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(h.verify.ContractAddress),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return err
	}
	if claims.ChainID != h.verify.ChainID {
		return errors.New("chain id mismatch")
	}
	sum := sha256.Sum256(body)
	if claims.BodyHash != hex.EncodeToString(sum[:]) {
		return errors.New("body hash mismatch")
	}
	return nil
}
