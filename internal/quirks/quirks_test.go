package quirks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/zcl"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe("ping", func(args ...any) { got = append(got, "first") })
	b.Subscribe("other", func(args ...any) { got = append(got, "other") })
	b.Subscribe("ping", func(args ...any) { got = append(got, "second") })
	b.Subscribe("ping", func(args ...any) { got = append(got, args[0].(string)) })

	b.Publish("ping", "third")
	require.Equal(t, []string{"first", "second", "third"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	calls := 0
	unsub := b.Subscribe("ping", func(...any) { calls++ })
	require.Equal(t, 1, b.Len())

	b.Publish("ping")
	unsub()
	unsub()
	b.Publish("ping")

	require.Equal(t, 1, calls)
	require.Zero(t, b.Len())
}

func TestBusUnsubscribeDuringPublish(t *testing.T) {
	b := NewBus()
	var got []int
	var unsubSecond func()
	b.Subscribe("ping", func(...any) {
		got = append(got, 1)
		unsubSecond()
	})
	unsubSecond = b.Subscribe("ping", func(...any) { got = append(got, 2) })

	// The snapshot taken at publish time still includes the second handler.
	b.Publish("ping")
	b.Publish("ping")
	require.Equal(t, []int{1, 2, 1}, got)
}

type rearmRecorder struct {
	clock   *clock.Fake
	actives []time.Duration
	clears  []time.Duration
}

func (r *rearmRecorder) since() time.Duration { return r.clock.Now().Sub(epoch) }

func newRecordedRearm(delay time.Duration) (*Rearm[int], *rearmRecorder) {
	rec := &rearmRecorder{clock: clock.NewFake(epoch)}
	r := NewRearm(rec.clock, RearmConfig[int]{
		Match:     func(v int) bool { return v == 1 },
		OnTrigger: func() { rec.actives = append(rec.actives, rec.since()) },
		OnExpire:  func() { rec.clears = append(rec.clears, rec.since()) },
		Delay:     delay,
	})
	return r, rec
}

func TestRearmSingleTrigger(t *testing.T) {
	r, rec := newRecordedRearm(15 * time.Second)

	r.Trigger()
	require.Equal(t, []time.Duration{0}, rec.actives)
	require.True(t, r.Pending())

	rec.clock.Advance(14 * time.Second)
	require.Empty(t, rec.clears)

	rec.clock.Advance(time.Second)
	require.Equal(t, []time.Duration{15 * time.Second}, rec.clears)
	require.False(t, r.Pending())
	require.Zero(t, rec.clock.Pending())
}

func TestRearmRetriggerSupersedesEarlierTimer(t *testing.T) {
	r, rec := newRecordedRearm(15 * time.Second)

	r.Trigger()
	rec.clock.Advance(10 * time.Second)
	r.Trigger()
	require.Equal(t, 1, rec.clock.Pending())

	rec.clock.Advance(14 * time.Second)
	require.Empty(t, rec.clears, "the first timer must never fire")

	rec.clock.Advance(time.Second)
	require.Equal(t, []time.Duration{0, 10 * time.Second}, rec.actives)
	require.Equal(t, []time.Duration{25 * time.Second}, rec.clears)
}

func TestRearmBurstEmitsOneClearAfterLastTrigger(t *testing.T) {
	r, rec := newRecordedRearm(15 * time.Second)
	gaps := []time.Duration{0, 3 * time.Second, 14 * time.Second, 1 * time.Second, 9 * time.Second}

	var last time.Duration
	for _, g := range gaps {
		rec.clock.Advance(g)
		r.Trigger()
		last = rec.since()
		require.LessOrEqual(t, rec.clock.Pending(), 1)
	}
	rec.clock.Advance(time.Minute)

	require.Len(t, rec.actives, len(gaps))
	require.Equal(t, []time.Duration{last + 15*time.Second}, rec.clears)
}

func TestRearmObserveGatesOnMatch(t *testing.T) {
	r, rec := newRecordedRearm(time.Second)

	require.False(t, r.Observe(0))
	require.False(t, r.Pending())
	require.True(t, r.Observe(1))
	require.True(t, r.Pending())
	require.Len(t, rec.actives, 1)
}

func TestRearmCancelIsIdempotent(t *testing.T) {
	r, rec := newRecordedRearm(time.Second)

	require.False(t, r.Cancel(), "nothing pending")
	r.Trigger()
	require.True(t, r.Cancel())
	require.False(t, r.Cancel())
	r.Close()

	rec.clock.Advance(time.Minute)
	require.Empty(t, rec.clears)
	require.Len(t, rec.actives, 1)
}

func TestRearmExpireClearsReferenceBeforeCallback(t *testing.T) {
	fake := clock.NewFake(epoch)
	var r *Rearm[struct{}]
	pendingInExpire := true
	r = NewRearm(fake, RearmConfig[struct{}]{
		OnExpire: func() { pendingInExpire = r.Pending() },
		Delay:    time.Second,
	})
	r.Trigger()
	fake.Advance(time.Second)
	require.False(t, pendingInExpire)
}

func TestIsOn(t *testing.T) {
	tests := []struct {
		val  any
		want bool
	}{
		{true, true},
		{false, false},
		{uint8(1), true},
		{uint8(0), false},
		{uint8(3), false},
		{1, true},
		{int64(1), true},
		{float64(1), true},
		{"on", true},
		{"ON", true},
		{"off", false},
		{nil, false},
		{struct{}{}, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsOn(tt.val), "IsOn(%#v)", tt.val)
	}
}

func TestClusterUpdateAndSetLocal(t *testing.T) {
	c := NewCluster(&zcl.ClusterDef{
		ID:   0x0406,
		Name: "Occupancy Sensing",
		Attributes: []zcl.AttributeDef{
			{ID: 0x0000, Name: "Occupancy"},
		},
	}, 1)

	var updates []uint16
	c.Listeners().Subscribe(EventAttributeUpdated, func(args ...any) {
		updates = append(updates, args[0].(uint16))
	})

	c.SetLocal(0x0001, uint8(2))
	c.UpdateAttribute(0x0000, uint8(1))

	require.Equal(t, []uint16{0x0000}, updates)
	v, ok := c.Attribute(0x0001)
	require.True(t, ok)
	require.Equal(t, uint8(2), v)
	require.Equal(t, "Occupancy", c.AttributeName(0))
	require.Equal(t, "0x0002", c.AttributeName(2))
	require.Len(t, c.Attributes(), 2)
}

func TestClusterCommandArgs(t *testing.T) {
	c := NewClusterByID(nil, 0x0500, 1)
	require.Equal(t, "0x0500", c.Name())

	var command string
	var args []any
	c.Listeners().Subscribe(EventClusterCommand, func(a ...any) {
		command = a[0].(string)
		args = a[1].([]any)
	})
	c.Command("zone_state", On)

	require.Equal(t, "zone_state", command)
	require.Equal(t, []any{On}, args)
}

type closeCounter struct {
	*Cluster
	closed int
}

func (c *closeCounter) Close() { c.closed++ }

func TestDeviceRoutingAndClose(t *testing.T) {
	dev := NewDevice("00124B0000000001", "ACME", "sensor")
	require.Equal(t, DefaultBatterySize, dev.BatterySize)

	cc := &closeCounter{Cluster: NewClusterByID(nil, 0x0402, 1)}
	dev.Endpoint(1).AddCluster(cc)
	dev.Endpoint(2)

	require.True(t, dev.HandleReport(1, 0x0402, 0, int16(2150)))
	require.False(t, dev.HandleReport(1, 0x0405, 0, 1))
	require.False(t, dev.HandleReport(3, 0x0402, 0, 1))

	v, _ := cc.Attribute(0)
	require.Equal(t, int16(2150), v)
	require.Len(t, dev.Endpoints(), 2)
	require.Equal(t, uint8(1), dev.Endpoints()[0].ID)

	dev.Close()
	dev.Close()
	require.Equal(t, 1, cc.closed)
	require.True(t, dev.Closed())
	require.False(t, dev.HandleReport(1, 0x0402, 0, 1))
}

func TestEndpointReplaceClusterClosesOld(t *testing.T) {
	dev := NewDevice("00124B0000000001", "ACME", "sensor")
	old := &closeCounter{Cluster: NewClusterByID(nil, 0x0402, 1)}
	ep := dev.Endpoint(1)
	ep.AddCluster(old)
	ep.AddCluster(NewClusterByID(nil, 0x0402, 1))

	require.Equal(t, 1, old.closed)
	require.Len(t, ep.Clusters(), 1)
}

func TestPowerConfigurationBatterySize(t *testing.T) {
	dev := NewDevice("00124B0000000001", "ACME", "sensor", WithBatterySize(3))
	c := NewPowerConfiguration(dev, nil, 1)

	v, ok := c.Attribute(AttrBatterySize)
	require.True(t, ok)
	require.Equal(t, uint8(3), v)
	require.Equal(t, zcl.ClusterPowerConfiguration, c.ID())
}

func TestPowerConfigurationIgnoresBatterySizeReports(t *testing.T) {
	dev := NewDevice("00124B0000000001", "ACME", "sensor")
	c := NewPowerConfiguration(dev, nil, 1)
	var updates []uint16
	c.Listeners().Subscribe(EventAttributeUpdated, func(args ...any) {
		updates = append(updates, args[0].(uint16))
	})

	c.UpdateAttribute(AttrBatterySize, uint8(2))
	v, _ := c.Attribute(AttrBatterySize)
	require.Equal(t, uint8(10), v)

	c.UpdateAttribute(AttrBatteryPercentage, uint8(150))
	v, _ = c.Attribute(AttrBatteryPercentage)
	require.Equal(t, uint8(150), v)
	require.Equal(t, []uint16{AttrBatteryPercentage}, updates)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	build := func(*Device, Env) error { return nil }

	require.NoError(t, r.Register(Quirk{
		Name:   "acme_motion",
		Models: []Model{{Manufacturer: "ACME", Model: "M1"}},
		Build:  build,
	}))
	require.Error(t, r.Register(Quirk{Name: "acme_motion", Build: build}))
	require.Error(t, r.Register(Quirk{Name: "", Build: build}))
	require.Error(t, r.Register(Quirk{Name: "nobuild"}))

	require.NotNil(t, r.Match("ACME", "M1"))
	require.Nil(t, r.Match("ACME", "M2"))

	require.NoError(t, r.Alias("ACME", "M2", "acme_motion"))
	require.Equal(t, "acme_motion", r.Match("ACME", "M2").Name)
	require.Error(t, r.Alias("ACME", "M3", "missing"))

	require.Equal(t, []string{"acme_motion"}, r.Names())
	require.NotNil(t, r.Get("acme_motion"))
}

func TestEnvDelay(t *testing.T) {
	require.Equal(t, DefaultRearmDelay, Env{}.Delay())
	require.Equal(t, 3*time.Second, Env{RearmDelay: 3 * time.Second}.Delay())
}
