package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_LatestTickAndAccount(t *testing.T) {
	c := NewCache()
	require.Nil(t, c.LatestTick())
	require.Nil(t, c.LatestAccount())

	now := time.Now()
	c.SetTick(Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002}, AccountSnapshot{Balance: 5000}, now)

	tick := c.LatestTick()
	require.NotNil(t, tick)
	require.Equal(t, "EURUSD", tick.Symbol)

	acct := c.LatestAccount()
	require.NotNil(t, acct)
	require.Equal(t, 5000.0, acct.Balance)
}

func TestCache_FreshWithin(t *testing.T) {
	c := NewCache()
	now := time.Now()
	require.False(t, c.FreshWithin(10*time.Second, now))

	c.SetTick(Tick{Symbol: "EURUSD"}, AccountSnapshot{}, now)
	require.True(t, c.FreshWithin(10*time.Second, now.Add(5*time.Second)))
	require.False(t, c.FreshWithin(10*time.Second, now.Add(15*time.Second)))
}

func TestCache_PositionLifecycle(t *testing.T) {
	c := NewCache()
	_, ok := c.Position(1)
	require.False(t, ok)

	c.UpsertPosition(Position{Ticket: 1, Symbol: "EURUSD", Volume: 0.1})
	p, ok := c.Position(1)
	require.True(t, ok)
	require.Equal(t, 0.1, p.Volume)

	c.RemovePosition(1)
	_, ok = c.Position(1)
	require.False(t, ok)
}

func TestCache_PositionsSnapshotIsACopy(t *testing.T) {
	c := NewCache()
	c.UpsertPosition(Position{Ticket: 1, Volume: 0.1})

	snap := c.Positions()
	snap[1] = Position{Ticket: 1, Volume: 99}

	p, ok := c.Position(1)
	require.True(t, ok)
	require.Equal(t, 0.1, p.Volume) // mutating the snapshot must not affect the cache
}

func TestCache_BarsRoundTrip(t *testing.T) {
	c := NewCache()
	require.Nil(t, c.Bars("EURUSD", "M15"))

	bars := []Bar{{Close: 1.1}, {Close: 1.2}}
	c.SetBars("EURUSD", "M15", bars)
	require.Equal(t, bars, c.Bars("EURUSD", "M15"))
	require.Nil(t, c.Bars("EURUSD", "H1"))
}
