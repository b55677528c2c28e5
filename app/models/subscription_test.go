package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionEntitles(t *testing.T) {
	now := time.Now()
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{name: "active", sub: Subscription{Status: SubscriptionStatusActive}, want: true},
		{name: "trialing", sub: Subscription{Status: SubscriptionStatusTrialing}, want: true},
		{name: "past due keeps access", sub: Subscription{Status: SubscriptionStatusPastDue}, want: true},
		{name: "canceled without end date", sub: Subscription{Status: SubscriptionStatusCanceled}, want: false},
		{name: "canceled paid through", sub: Subscription{Status: SubscriptionStatusCanceled, EndsAt: &future}, want: true},
		{name: "canceled and lapsed", sub: Subscription{Status: SubscriptionStatusCanceled, EndsAt: &past}, want: false},
		{name: "unpaid", sub: Subscription{Status: SubscriptionStatusUnpaid}, want: false},
		{name: "incomplete", sub: Subscription{Status: SubscriptionStatusIncomplete}, want: false},
		{name: "incomplete expired", sub: Subscription{Status: SubscriptionStatusIncompleteExpired}, want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.sub.Entitles(now), tt.name)
	}
}
