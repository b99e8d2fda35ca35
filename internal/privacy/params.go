package privacy

import "github.com/alanyoungcy/crossarb/internal/domain"

// Family groups venues by how their transactions are shaped.
type Family string

const (
	FamilyEVM     Family = "evm"     // gas-metered account chains
	FamilyUTXO    Family = "utxo"    // bitcoin-style inputs and outputs
	FamilyAccount Family = "account" // fee payer and blockhash resolved at submission
)

// DefaultFamily is used when a venue does not name its family.
func DefaultFamily(kind domain.VenueKind) Family {
	if kind == domain.VenueKindEVM {
		return FamilyEVM
	}
	return FamilyAccount
}

// ChainParams returns a fresh venue-specific parameter bag for family.
// Blank values are placeholders the adapter fills at submission time.
func ChainParams(family Family) map[string]string {
	switch family {
	case FamilyEVM:
		return map[string]string{
			"gas_limit": "300000",
			"gas_price": "auto",
		}
	case FamilyUTXO:
		return map[string]string{
			"version":       "2",
			"locktime":      "0",
			"expiry_height": "0",
		}
	default:
		return map[string]string{
			"recent_blockhash": "",
			"fee_payer":        "",
		}
	}
}
