package domain

import "testing"

func TestRemoteAccountDeliveryInbox(t *testing.T) {
	tests := []struct {
		name     string
		account  RemoteAccount
		expected string
	}{
		{
			name: "prefers shared inbox",
			account: RemoteAccount{
				InboxURI:       "https://example.com/users/alice/inbox",
				SharedInboxURI: "https://example.com/inbox",
			},
			expected: "https://example.com/inbox",
		},
		{
			name: "falls back to personal inbox",
			account: RemoteAccount{
				InboxURI: "https://example.com/users/alice/inbox",
			},
			expected: "https://example.com/users/alice/inbox",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.account.DeliveryInbox(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}
