package api

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// VenueInfo is the venue record as served over REST
type VenueInfo struct {
	Authority                        string `json:"authority"`
	MakerRebateBps                   uint16 `json:"makerRebateBps"`
	TakerFeeBps                      uint16 `json:"takerFeeBps"`
	ReferralBps                      uint16 `json:"referralBps"`
	TotalFeesCollected               uint64 `json:"totalFeesCollected"`
	TotalFeesWithdrawn               uint64 `json:"totalFeesWithdrawn"`
	TotalLiquidityRewardsDistributed uint64 `json:"totalLiquidityRewardsDistributed"`
	ScoringEpoch                     uint64 `json:"scoringEpoch"`
	LastRewardEpoch                  uint64 `json:"lastRewardEpoch"`
}

// AccountInfo is an account's accumulators and slot usage
type AccountInfo struct {
	Address                string `json:"address"`
	Referrer               string `json:"referrer,omitempty"`
	OpenOrders             int    `json:"openOrders"`
	OrderSlots             int    `json:"orderSlots"`
	MakerVolume            uint64 `json:"makerVolume"`
	MakerRebatesEarned     uint64 `json:"makerRebatesEarned"`
	TakerVolume            uint64 `json:"takerVolume"`
	TakerFeesPaid          uint64 `json:"takerFeesPaid"`
	ReferralRewardsEarned  uint64 `json:"referralRewardsEarned"`
	LiquidityScore         uint64 `json:"liquidityScore"`
	LiquidityRewardsEarned uint64 `json:"liquidityRewardsEarned"`
	LastActivity           int64  `json:"lastActivity"` // unix seconds
}

// OrderInfo is one occupied slot
type OrderInfo struct {
	Index         int    `json:"index"`
	Side          string `json:"side"` // "bid" or "ask"
	Price         uint64 `json:"price"`
	SizeRemaining uint64 `json:"sizeRemaining"`
	SizeTotal     uint64 `json:"sizeTotal"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt"` // 0 = never
	Expired       bool   `json:"expired"`
}

// StateInfo summarizes the whole ledger for reconciliation
type StateInfo struct {
	Digest       string `json:"digest"`
	Accounts     int    `json:"accounts"`
	Conserved    bool   `json:"conserved"`
	Conservation string `json:"conservation,omitempty"` // violation detail
}

// ==============================
// REST Request Types
// ==============================

// NOTE: Mutations are submitted as signed commands (EIP-712).
// See pkg/transaction/types.go for the SignedCommand structure.

// QuoteRequest is the payload for POST /api/v1/quote
type QuoteRequest struct {
	Maker      string `json:"maker"`
	Taker      string `json:"taker"`
	OrderIndex int    `json:"orderIndex"`
	FillSize   uint64 `json:"fillSize"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"` // ledger error kind, e.g. "SlotEmpty"
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage wraps every pushed message
type WSMessage struct {
	Type    string      `json:"type"`    // ledger event type, e.g. "order_filled"
	Channel string      `json:"channel"` // "events" or "account:0x..."
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["events", "account:0x..."]
}
