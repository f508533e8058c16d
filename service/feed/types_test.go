package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/socialfeed/service/record"
)

func TestChangeEventSubject(t *testing.T) {
	tests := []struct {
		partition record.Partition
		op        Op
		want      string
	}{
		{record.PartitionConfirmed, OpInsert, "records.confirmed.insert"},
		{record.PartitionConfirmed, OpUpdate, "records.confirmed.update"},
		{record.PartitionUnconfirmed, OpInsert, "records.unconfirmed.insert"},
	}
	for _, tt := range tests {
		e := &ChangeEvent{Partition: tt.partition, Op: tt.op}
		assert.Equal(t, tt.want, e.Subject())
	}
}

func TestNewChange(t *testing.T) {
	confirmed := &record.Record{ID: "aa", Block: &record.BlockRef{Height: 1}}
	unconfirmed := &record.Record{ID: "bb"}

	e := NewChange(confirmed, true)
	assert.Equal(t, OpInsert, e.Op)
	assert.Equal(t, record.PartitionConfirmed, e.Partition)
	assert.False(t, e.PublishedAt.IsZero())

	e = NewChange(unconfirmed, false)
	assert.Equal(t, OpUpdate, e.Op)
	assert.Equal(t, record.PartitionUnconfirmed, e.Partition)
}

func TestSubjectForTarget(t *testing.T) {
	t.Run("wildcard sees inserts only", func(t *testing.T) {
		subject, err := subjectForTarget(TargetAll)
		require.NoError(t, err)
		assert.Equal(t, "records.*.insert", subject)
	})

	t.Run("single target sees inserts and updates", func(t *testing.T) {
		subject, err := subjectForTarget("confirmed")
		require.NoError(t, err)
		assert.Equal(t, "records.confirmed.*", subject)

		subject, err = subjectForTarget("unconfirmed")
		require.NoError(t, err)
		assert.Equal(t, "records.unconfirmed.*", subject)
	})

	t.Run("unknown target rejected", func(t *testing.T) {
		_, err := subjectForTarget("mempool")
		require.Error(t, err)
		assert.True(t, record.IsValidationError(err))
	})
}
