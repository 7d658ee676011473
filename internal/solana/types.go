// Package solana provides the thin slice of Solana RPC access the
// ledger needs: fetching confirmed transactions in jsonParsed form,
// scanning signatures for the custody address, and a WebSocket watcher
// that surfaces new signatures as they land.
package solana

import "encoding/json"

// Well-known program IDs.
const (
	MemoProgramID   = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	MemoV1ProgramID = "Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo"
	TokenProgramID  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

// Transaction is a confirmed transaction in jsonParsed encoding,
// trimmed to the fields deposit processing inspects.
type Transaction struct {
	Signature string
	Slot      int64
	BlockTime *int64
	Failed    bool

	Instructions []Instruction
}

// Instruction is a single parsed instruction. For programs the RPC
// node understands (spl-token, spl-memo) Parsed carries the decoded
// payload; for everything else it is empty.
type Instruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
}

// TokenTransfer is the decoded payload of a transfer or
// transferChecked spl-token instruction.
type TokenTransfer struct {
	Source      string
	Destination string
	Authority   string
	Mint        string // empty for plain transfer instructions
	RawAmount   string // base units as a decimal string
	Decimals    *int   // set only for transferChecked
}

// SignatureInfo is one entry from getSignaturesForAddress.
type SignatureInfo struct {
	Signature string
	Slot      int64
	BlockTime *int64
	Failed    bool
}

// SignaturesOpts bounds a signature scan.
type SignaturesOpts struct {
	Before string
	Until  string
	Limit  int
}
