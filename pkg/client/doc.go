// Package client is the idanchor Go SDK.
//
// It wraps the anchord HTTP API: hashing and anchoring identity records,
// recording audit actions, and reading verification and anchoring state.
//
// # Anchoring a record
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.AnchorIdentity(ctx, client.IdentityRecord{
//	    OwnerID:        "tourist-1",
//	    TripID:         "trip-42",
//	    DocumentType:   "passport",
//	    DocumentNumber: "X1234567",
//	    ValidFrom:      from,
//	    ValidUntil:     until,
//	})
//
// A successful call means the write was dispatched, not confirmed. Use
// WaitForConfirmation to block until the transaction is terminal:
//
//	tx, err := c.WaitForConfirmation(ctx, res.Transaction.ID, 2*time.Second)
//
// # Audit and verification
//
//	entry, _ := c.RecordAction(ctx, "kyc_verified", "tourist-1", res.Hash)
//	out, _ := c.VerifyEntry(ctx, entry.ID)     // on-demand reconcile
//	st, _ := c.VerificationStatus(ctx, "tourist-1")
//	fmt.Println(st.VerifiedOnChain)
//
// # Errors
//
// Non-2xx responses are returned as *APIError. The sentinels ErrNotFound,
// ErrConflict, ErrRejected and ErrUnavailable match with errors.Is.
package client
