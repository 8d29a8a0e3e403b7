package plans

import (
	_ "embed"
	"encoding/json"
	"log"
)

//go:embed guest.json
var guestJSON []byte

// GuestPlan holds the allowances applied to unauthenticated viewers and to
// fresh accounts. Kept in an embedded JSON file so the frontend build can
// consume the same numbers.
type GuestPlan struct {
	FreeWatchLimit    int   `json:"freeWatchLimit"`
	SignupCreditGrant int64 `json:"signupCreditGrant"`
	MaxUnlockRetries  int   `json:"maxUnlockRetries"`
}

var Guest GuestPlan

func init() {
	if err := json.Unmarshal(guestJSON, &Guest); err != nil {
		log.Fatalf("failed to parse guest.json: %v", err)
	}
}
