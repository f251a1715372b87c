package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

func TestDecidePlan(t *testing.T) {
	active := models.Subscription{ExternalSubscriptionID: "sub_live", Status: models.SubscriptionActive, SubscriptionType: models.PlanRecurring}
	trialing := models.Subscription{ExternalSubscriptionID: "sub_trial", Status: models.SubscriptionTrialing, SubscriptionType: models.PlanInitial}
	canceled := models.Subscription{ExternalSubscriptionID: "sub_old", Status: models.SubscriptionCanceled, SubscriptionType: models.PlanInitial}
	pastDue := models.Subscription{ExternalSubscriptionID: "sub_late", Status: models.SubscriptionPastDue, SubscriptionType: models.PlanInitial}

	tests := []struct {
		name       string
		user       *models.User
		history    []models.Subscription
		historyErr error
		wantClass  PlanClass
		wantReason string
		wantSub    string
	}{
		{
			name:       "brand new user",
			user:       &models.User{ID: 1},
			wantClass:  PlanClassInitial,
			wantReason: ReasonNewUser,
		},
		{
			name:       "flagged user without rows",
			user:       &models.User{ID: 1, HasEverSubscribed: true},
			wantClass:  PlanClassRecurring,
			wantReason: ReasonReturningUser,
		},
		{
			name:       "canceled history without flag",
			user:       &models.User{ID: 1},
			history:    []models.Subscription{canceled},
			wantClass:  PlanClassRecurring,
			wantReason: ReasonReturningUser,
		},
		{
			name:       "past due counts as history, not live",
			user:       &models.User{ID: 1},
			history:    []models.Subscription{pastDue},
			wantClass:  PlanClassRecurring,
			wantReason: ReasonReturningUser,
		},
		{
			name:       "active subscription",
			user:       &models.User{ID: 1, HasEverSubscribed: true},
			history:    []models.Subscription{canceled, active},
			wantClass:  PlanClassExisting,
			wantReason: ReasonHasActiveSubscription,
			wantSub:    "sub_live",
		},
		{
			name:       "trialing subscription",
			user:       &models.User{ID: 1},
			history:    []models.Subscription{trialing},
			wantClass:  PlanClassExisting,
			wantReason: ReasonHasActiveSubscription,
			wantSub:    "sub_trial",
		},
		{
			name:       "history failure",
			user:       &models.User{ID: 1, HasEverSubscribed: true},
			history:    []models.Subscription{active},
			historyErr: errors.New("timeout"),
			wantClass:  PlanClassInitial,
			wantReason: ReasonHistoryUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecidePlan(tt.user, tt.history, tt.historyErr)
			assert.Equal(t, tt.wantClass, got.Class)
			assert.Equal(t, tt.wantReason, got.Reason)
			if tt.wantSub == "" {
				assert.Nil(t, got.ExistingSubscription)
			} else if assert.NotNil(t, got.ExistingSubscription) {
				assert.Equal(t, tt.wantSub, got.ExistingSubscription.ExternalSubscriptionID)
			}
		})
	}
}

func TestPlanDecisionPlanType(t *testing.T) {
	pt, ok := PlanDecision{Class: PlanClassInitial}.PlanType()
	assert.True(t, ok)
	assert.Equal(t, models.PlanInitial, pt)

	pt, ok = PlanDecision{Class: PlanClassRecurring}.PlanType()
	assert.True(t, ok)
	assert.Equal(t, models.PlanRecurring, pt)

	_, ok = PlanDecision{Class: PlanClassExisting}.PlanType()
	assert.False(t, ok)
}
