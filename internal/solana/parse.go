package solana

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the base-unit scale of the USDC mint.
const USDCDecimals = 6

// Transfer is a token transfer extracted from a confirmed transaction,
// amount already scaled to whole tokens.
type Transfer struct {
	Source      string
	Destination string
	Authority   string
	Amount      decimal.Decimal
}

// ExtractMemo returns the first memo instruction payload, trimmed.
// Returns "" when the transaction carries no memo.
func ExtractMemo(tx *Transaction) string {
	for _, ins := range tx.Instructions {
		if ins.ProgramID != MemoProgramID && ins.ProgramID != MemoV1ProgramID {
			continue
		}
		// jsonParsed encodes the memo payload as a bare JSON string.
		var memo string
		if err := json.Unmarshal(ins.Parsed, &memo); err != nil {
			continue
		}
		return strings.TrimSpace(memo)
	}
	return ""
}

type parsedTokenInstruction struct {
	Type string `json:"type"`
	Info struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Authority   string `json:"authority"`
		Mint        string `json:"mint"`
		Amount      string `json:"amount"`
		TokenAmount struct {
			Amount   string `json:"amount"`
			Decimals int32  `json:"decimals"`
		} `json:"tokenAmount"`
	} `json:"info"`
}

// FindTransferTo scans a transaction for an spl-token transfer into
// the given token account. For transferChecked instructions the mint
// must match expectMint; plain transfer instructions carry no mint, so
// the destination account itself vouches for the token. Returns false
// when no matching transfer exists.
func FindTransferTo(tx *Transaction, destination, expectMint string) (Transfer, bool) {
	for _, ins := range tx.Instructions {
		if ins.ProgramID != TokenProgramID {
			continue
		}
		var parsed parsedTokenInstruction
		if err := json.Unmarshal(ins.Parsed, &parsed); err != nil {
			continue
		}
		if parsed.Info.Destination != destination {
			continue
		}

		switch parsed.Type {
		case "transferChecked":
			if parsed.Info.Mint != expectMint {
				continue
			}
			raw, err := decimal.NewFromString(parsed.Info.TokenAmount.Amount)
			if err != nil {
				continue
			}
			return Transfer{
				Source:      parsed.Info.Source,
				Destination: parsed.Info.Destination,
				Authority:   parsed.Info.Authority,
				Amount:      raw.Shift(-parsed.Info.TokenAmount.Decimals),
			}, true
		case "transfer":
			raw, err := decimal.NewFromString(parsed.Info.Amount)
			if err != nil {
				continue
			}
			return Transfer{
				Source:      parsed.Info.Source,
				Destination: parsed.Info.Destination,
				Authority:   parsed.Info.Authority,
				Amount:      raw.Shift(-USDCDecimals),
			}, true
		}
	}
	return Transfer{}, false
}
