package payment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusMappingTotality(t *testing.T) {
	cases := []struct {
		name   string
		mapper func(string) Status
		table  map[string]Status
	}{
		{"yookassa", MapYookassaStatus, map[string]Status{
			"succeeded":           StatusPaid,
			"pending":             StatusPending,
			"waiting_for_capture": StatusPending,
			"canceled":            StatusCancelled,
		}},
		{"stripe", MapStripeStatus, map[string]Status{
			"paid":   StatusPaid,
			"unpaid": StatusPending,
		}},
		{"nowpayments", MapNOWPaymentsStatus, map[string]Status{
			"waiting":        StatusPending,
			"confirming":     StatusPending,
			"partially_paid": StatusPending,
			"confirmed":      StatusPaid,
			"sending":        StatusPaid,
			"finished":       StatusPaid,
			"failed":         StatusFailed,
			"refunded":       StatusCancelled,
			"expired":        StatusExpired,
		}},
	}
	unknown := []string{"", "SUCCEEDED_LATER", "settled", "paid_partially", "chargeback", "null", "unknown"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for native, want := range tc.table {
				got := tc.mapper(native)
				require.Equal(t, want, got, native)
				require.True(t, got.Valid())
			}
			for _, native := range unknown {
				if _, known := tc.table[native]; known {
					continue
				}
				require.Equal(t, StatusFailed, tc.mapper(native), native)
			}
		})
	}
}

func TestTerminalPartition(t *testing.T) {
	for _, s := range AllStatuses {
		require.Equal(t, s != StatusPending, s.IsTerminal(), s)
	}
	require.False(t, Status("SETTLED").Valid())
	require.Equal(t, StatusFailed, ParseStatus("settled"))
	require.Equal(t, StatusPaid, ParseStatus(" paid "))
}

func TestDecideKeepsTerminalStatus(t *testing.T) {
	status, outcome := Decide("", false, StatusPending)
	require.Equal(t, StatusPending, status)
	require.Equal(t, RecordApplied, outcome)

	status, outcome = Decide(StatusPending, true, StatusPaid)
	require.Equal(t, StatusPaid, status)
	require.Equal(t, RecordApplied, outcome)

	status, outcome = Decide(StatusPaid, true, StatusPaid)
	require.Equal(t, StatusPaid, status)
	require.Equal(t, RecordUnchanged, outcome)

	status, outcome = Decide(StatusPaid, true, StatusCancelled)
	require.Equal(t, StatusPaid, status)
	require.Equal(t, RecordRejected, outcome)
}
