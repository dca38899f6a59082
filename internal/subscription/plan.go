package subscription

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/model"
)

var planEncoding cbor.EncMode

func init() {
	var err error
	planEncoding, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("subscription: CBOR encoder initialization failed: " + err.Error())
	}
}

// plan is everything needed to finish a network change without consulting
// state that may have moved since it was recorded
type plan struct {
	Operation       model.RehomeOperation    `cbor:"1,keyasint"`
	RouterID        string                   `cbor:"2,keyasint"`
	ClientID        string                   `cbor:"3,keyasint"`
	AccountID       string                   `cbor:"4,keyasint"`
	RemoteID        string                   `cbor:"5,keyasint,omitempty"`
	Username        string                   `cbor:"6,keyasint,omitempty"`
	ProfileRemoteID string                   `cbor:"7,keyasint,omitempty"`
	FromPoolID      string                   `cbor:"8,keyasint,omitempty"`
	FromAddress     string                   `cbor:"9,keyasint,omitempty"`
	ToPoolID        string                   `cbor:"10,keyasint,omitempty"`
	ToAddress       string                   `cbor:"11,keyasint,omitempty"`
	Status          model.SubscriptionStatus `cbor:"12,keyasint"`
}

func (p *plan) claim(subscriptionID string) allocator.Claim {
	return allocator.Claim{ClientID: p.ClientID, SubscriptionID: subscriptionID, AccountRef: p.AccountID}
}

// marker renders the plan as a pending marker at stage
func (p *plan) marker(subscriptionID string, stage model.RehomeStage) (*model.PendingRehome, error) {
	data, err := planEncoding.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding plan: %w", err)
	}
	return &model.PendingRehome{
		SubscriptionID: subscriptionID,
		Operation:      p.Operation,
		Stage:          stage,
		TargetPoolID:   p.ToPoolID,
		Address:        p.ToAddress,
		Plan:           data,
	}, nil
}

func decodePlan(marker *model.PendingRehome) (*plan, error) {
	if len(marker.Plan) == 0 {
		return nil, fmt.Errorf("pending %s for %s has no plan", marker.Stage, marker.SubscriptionID)
	}
	var p plan
	if err := cbor.Unmarshal(marker.Plan, &p); err != nil {
		return nil, fmt.Errorf("decoding plan of %s: %w", marker.SubscriptionID, err)
	}
	return &p, nil
}
