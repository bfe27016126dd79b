package mempool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandchain/strand/pkg/tx"
)

func mustTx(t *testing.T, data string) *tx.Transaction {
	tr, err := tx.NewTransaction([]byte(data))
	require.NoError(t, err)
	return tr
}

func TestPoolDedup(t *testing.T) {
	p := NewPool(16)

	require.NoError(t, p.Push(mustTx(t, "a")))
	assert.Equal(t, ErrDuplicate, p.Push(mustTx(t, "a")))
	assert.Equal(t, 1, p.Len())
}

func TestPoolFIFO(t *testing.T) {
	p := NewPool(16)

	require.NoError(t, p.Push(mustTx(t, "first")))
	require.NoError(t, p.Push(mustTx(t, "second")))
	require.NoError(t, p.Push(mustTx(t, "third")))

	exit := make(chan struct{})
	got := p.WaitForTransactions(2, time.Second, exit)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("first"), got[0].Data())
	assert.Equal(t, []byte("second"), got[1].Data())

	got = p.WaitForTransactions(2, time.Millisecond, exit)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("third"), got[0].Data())
}

func TestPoolWaitTimesOutEmpty(t *testing.T) {
	p := NewPool(16)

	exit := make(chan struct{})
	start := time.Now()
	got := p.WaitForTransactions(8, 20*time.Millisecond, exit)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPoolWaitWakesOnPush(t *testing.T) {
	p := NewPool(16)
	exit := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Push(mustTx(t, "late"))
	}()

	got := p.WaitForTransactions(8, 5*time.Second, exit)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("late"), got[0].Data())
}

func TestPoolMarkCommitted(t *testing.T) {
	p := NewPool(16)

	require.NoError(t, p.Push(mustTx(t, "keep")))
	require.NoError(t, p.Push(mustTx(t, "committed")))

	p.MarkCommitted(tx.NewList([]*tx.Transaction{mustTx(t, "committed")}))
	assert.Equal(t, 1, p.Len())

	// a committed transaction resubmitted later is rejected
	assert.Equal(t, ErrDuplicate, p.Push(mustTx(t, "committed")))
}

func TestPoolFull(t *testing.T) {
	p := NewPool(1)

	require.NoError(t, p.Push(mustTx(t, "a")))
	assert.Error(t, p.Push(mustTx(t, "b")))
}
