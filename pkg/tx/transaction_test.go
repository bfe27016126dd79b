package tx

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransactionRejectsEmpty(t *testing.T) {
	_, err := NewTransaction(nil)
	assert.Error(t, err)
}

func TestPartialHashDistinguishesPayloads(t *testing.T) {
	a, err := NewTransaction([]byte("payload a"))
	require.NoError(t, err)

	b, err := NewTransaction([]byte("payload b"))
	require.NoError(t, err)

	c, err := NewTransaction([]byte("payload a"))
	require.NoError(t, err)

	assert.NotEqual(t, a.PartialHash(), b.PartialHash())
	assert.Equal(t, a.PartialHash(), c.PartialHash())
}

func TestListSerializeRoundTrip(t *testing.T) {
	items := make([]*Transaction, 0, 3)
	for _, p := range [][]byte{{1}, {2, 2}, bytes.Repeat([]byte{3}, 100)} {
		tr, err := NewTransaction(p)
		require.NoError(t, err)
		items = append(items, tr)
	}

	list := NewList(items)
	wire := list.Serialize()
	assert.Equal(t, list.ByteSize(), uint64(len(wire)))

	got, err := DeserializeList(list.Sizes(), wire)
	require.NoError(t, err)
	require.Equal(t, list.Len(), got.Len())

	for i, item := range got.Items() {
		assert.Equal(t, items[i].Data(), item.Data())
		assert.Equal(t, items[i].PartialHash(), item.PartialHash())
	}
}

func TestDeserializeListSizeMismatch(t *testing.T) {
	_, err := DeserializeList([]uint64{4}, []byte{1, 2, 3})
	assert.Error(t, err)

	_, err = DeserializeList([]uint64{0}, nil)
	assert.Error(t, err)
}
