// Package types provides shared type definitions for receiptscout.
//
// This package defines the domain types passed between the retrieval pipeline
// components: the inbound query, the parsed receipt fields, the delivered
// receipt record, stored credentials, and the reason codes reported back to
// the requester.
//
// # Core Types
//
// Query describes what the requester is looking for:
//
//	q := types.Query{
//	    Backend: types.BackendGmail, // empty means every usable backend
//	    Payer:   "张三",
//	    Count:   1,
//	}
//
// Fields is the tuple extracted from one receipt document. Any field the
// parser could not locate holds the Unknown sentinel instead of an empty
// string, so a missing payer name never matches a non-empty filter:
//
//	if fields.PayerName == types.Unknown {
//	    // label not present in the document
//	}
//
// ReceiptRecord combines Fields with where the document came from (backend,
// message reference, sender, recipient) and the path of its temporary
// rendered artifact.
//
// # Errors
//
// Error kinds are sentinel errors checked with errors.Is. Classify maps any
// error to its ErrorKind so retry loops can decide on the kind rather than on
// the concrete error:
//
//	switch types.Classify(err) {
//	case types.KindTransient:
//	    // retry with backoff
//	case types.KindAuth:
//	    // invalidate pooled handle, refresh once
//	}
package types
