package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKeyRotatesDaily(t *testing.T) {
	h := HashData([]byte("router"))
	day1 := time.Date(2026, 8, 4, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 5, 0, 1, 0, 0, time.UTC)

	k1 := CreateRoutingKey(h, day1)
	k1again := CreateRoutingKey(h, day1.Add(-6*time.Hour))
	k2 := CreateRoutingKey(h, day2)

	assert.Equal(t, k1, k1again, "same UTC day must derive the same routing key")
	assert.NotEqual(t, k1, k2, "routing key must rotate at the UTC day boundary")
}

func TestXORDistanceOrdering(t *testing.T) {
	var target, near, far Hash
	near[31] = 0x01
	far[0] = 0x80

	dNear := Distance(target, near)
	dFar := Distance(target, far)

	assert.True(t, dNear.Less(dFar))
	assert.False(t, dFar.Less(dNear))
	assert.False(t, dNear.Less(dNear), "equal distances are not less")
	assert.True(t, dFar.Less(MaxXORDistance()))
}

func TestIntegerRoundTrip(t *testing.T) {
	b := IntegerBytes(0x0102, 2)
	require.Equal(t, []byte{0x01, 0x02}, b)
	assert.Equal(t, 0x0102, Integer(b).Int())
	assert.Equal(t, 0, Integer(nil).Int())
}
