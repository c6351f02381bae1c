package types

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelCloneIsDeep(t *testing.T) {
	ch := &Channel{
		ID:           "chan-1",
		Payer:        "clr1payer",
		Counterparty: "clr1merchant",
		Balances: map[string]*big.Int{
			"clr1payer":    big.NewInt(70),
			"clr1merchant": big.NewInt(30),
		},
		Nonce:  3,
		Status: ChannelActive,
	}

	clone := ch.Clone()
	clone.Balances["clr1payer"].SetInt64(0)
	clone.Nonce = 99

	require.Equal(t, int64(70), ch.Balances["clr1payer"].Int64())
	require.Equal(t, uint64(3), ch.Nonce)
}

func TestChannelTotalSumsBalances(t *testing.T) {
	ch := &Channel{
		Balances: map[string]*big.Int{
			"clr1payer":    big.NewInt(70),
			"clr1merchant": big.NewInt(30),
			"clr1other":    nil,
		},
	}
	require.Equal(t, int64(100), ch.Total().Int64())

	var missing *Channel
	require.Equal(t, int64(0), missing.Total().Int64())
}

func TestChannelBalanceReturnsCopy(t *testing.T) {
	ch := &Channel{
		Balances: map[string]*big.Int{"clr1payer": big.NewInt(50)},
	}

	balance := ch.Balance("clr1payer")
	require.NotNil(t, balance)
	balance.SetInt64(0)
	require.Equal(t, int64(50), ch.Balances["clr1payer"].Int64())

	require.Nil(t, ch.Balance("clr1stranger"))
}

func TestChannelStatusLabels(t *testing.T) {
	require.Equal(t, "opening", ChannelOpening.String())
	require.Equal(t, "active", ChannelActive.String())
	require.Equal(t, "closing", ChannelClosing.String())
	require.Equal(t, "closed", ChannelClosed.String())
	require.Equal(t, "unknown", ChannelStatus(42).String())

	require.True(t, ChannelOpening.Valid())
	require.False(t, ChannelStatus(42).Valid())
}
