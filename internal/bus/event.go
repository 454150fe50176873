package bus

import (
	"fmt"
	"time"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kind suffixes. Full kinds are company-scoped, built by Topic.
const (
	KindChannelStatus  = "channel.status"
	KindChannelQR      = "channel.qr"
	KindChannelPairing = "channel.pairing_code"
	KindCampaignStatus = "campaign.status"
	KindBatchProgress  = "campaign.batch.progress"
	KindBatchStatus    = "campaign.batch.status"
	KindRecoveryReport = "recovery.report"
	KindSweeperReport  = "sweeper.report"
)

// Topic builds a company-scoped event kind, e.g. "company.acme.channel.status".
// Subscribers use CompanyNamespace (or a full kind) as their prefix filter.
func Topic(companyID, kind string) string {
	return fmt.Sprintf("company.%s.%s", companyID, kind)
}

// CompanyNamespace returns the subscription prefix covering every event
// published for one company.
func CompanyNamespace(companyID string) string {
	return fmt.Sprintf("company.%s.", companyID)
}

// ChannelStatusChange is the payload for channel.status events.
type ChannelStatusChange struct {
	CompanyID  string
	PhoneIndex int
	From       string
	To         string
	Detail     string
}

// ChannelQR is the payload for channel.qr events.
type ChannelQR struct {
	CompanyID  string
	PhoneIndex int
	Payload    string
}

// ChannelPairingCode is the payload for channel.pairing_code events.
type ChannelPairingCode struct {
	CompanyID  string
	PhoneIndex int
	Code       string
}

// BatchProgress is the payload for campaign.batch.progress events.
type BatchProgress struct {
	CompanyID string
	MessageID string
	BatchID   string
	Sent      int
	Total     int
}

// BatchStatusChange is the payload for campaign.batch.status events.
type BatchStatusChange struct {
	CompanyID string
	MessageID string
	BatchID   string
	Status    string
	Detail    string
}

// CampaignStatusChange is the payload for campaign.status events.
type CampaignStatusChange struct {
	CompanyID string
	MessageID string
	Status    string
	Detail    string
}
