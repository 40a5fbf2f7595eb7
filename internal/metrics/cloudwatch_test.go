package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"liqwatch/logger"
)

type fakePutMetricData struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakePutMetricData) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func withFakePublisher(t *testing.T, fake *fakePutMetricData, queueSize int) *cloudWatchPublisher {
	t.Helper()
	p := newCloudWatchPublisher(fake, "Test", queueSize)
	prev := cwPublisher.Load()
	cwPublisher.Store(p)
	t.Cleanup(func() { cwPublisher.Store(prev) })
	return p
}

// flushQueued ships whatever is queued, as the run loop would on a tick.
func flushQueued(p *cloudWatchPublisher) {
	p.flush(context.Background(), p.drainInto(nil))
}

func TestPublishBuildsDimensions(t *testing.T) {
	fake := &fakePutMetricData{}
	p := withFakePublisher(t, fake, 8)

	ts := time.Unix(1700000000, 0)
	publishMetricDatum(Metric{
		Timestamp: ts,
		Component: "supervisor",
		Name:      "listener_restarts",
		Fields:    logger.Fields{"exchange": "bybit", "unit": "count", "attempt": 2},
	}, 1)
	flushQueued(p)

	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if aws.ToString(in.Namespace) != "Test" {
		t.Fatalf("unexpected namespace: %s", aws.ToString(in.Namespace))
	}
	datum := in.MetricData[0]
	if aws.ToString(datum.MetricName) != "listener_restarts" || aws.ToFloat64(datum.Value) != 1 {
		t.Fatalf("unexpected datum: %+v", datum)
	}
	if !aws.ToTime(datum.Timestamp).Equal(ts) {
		t.Fatalf("unexpected timestamp: %v", aws.ToTime(datum.Timestamp))
	}
	dims := map[string]string{}
	for _, d := range datum.Dimensions {
		dims[aws.ToString(d.Name)] = aws.ToString(d.Value)
	}
	if dims["component"] != "supervisor" || dims["exchange"] != "bybit" {
		t.Fatalf("unexpected dimensions: %v", dims)
	}
	if _, ok := dims["unit"]; ok {
		t.Fatalf("unit should not be a dimension")
	}
	if _, ok := dims["attempt"]; ok {
		t.Fatalf("non-string fields should not be dimensions")
	}
}

func TestToDatumUnits(t *testing.T) {
	tests := []struct {
		unit string
		want cwtypes.StandardUnit
	}{
		{"", cwtypes.StandardUnitCount},
		{"count", cwtypes.StandardUnitCount},
		{"Percent", cwtypes.StandardUnitPercent},
		{"seconds", cwtypes.StandardUnitSeconds},
		{"bytes", cwtypes.StandardUnitBytes},
	}
	for _, tt := range tests {
		d := toDatum(Metric{Component: "runtime", Name: "x", Fields: logger.Fields{"unit": tt.unit}}, 1)
		if d.Unit != tt.want {
			t.Fatalf("unit %q: got %s, want %s", tt.unit, d.Unit, tt.want)
		}
	}
}

func TestFlushSplitsLargeBatches(t *testing.T) {
	fake := &fakePutMetricData{}
	p := newCloudWatchPublisher(fake, "Test", 0)

	data := make([]cwtypes.MetricDatum, cloudWatchBatchSize+5)
	for i := range data {
		data[i] = toDatum(Metric{Component: "processor", Name: "events_received"}, 1)
	}
	p.flush(context.Background(), data)

	if len(fake.inputs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(fake.inputs))
	}
	if len(fake.inputs[0].MetricData) != cloudWatchBatchSize || len(fake.inputs[1].MetricData) != 5 {
		t.Fatalf("unexpected chunk sizes: %d, %d", len(fake.inputs[0].MetricData), len(fake.inputs[1].MetricData))
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	fake := &fakePutMetricData{}
	p := withFakePublisher(t, fake, 1)

	for i := 0; i < 3; i++ {
		publishMetricDatum(Metric{Component: "processor", Name: "events_received"}, 1)
	}
	if got := p.dropped.Load(); got != 2 {
		t.Fatalf("expected 2 dropped datums, got %d", got)
	}
	flushQueued(p)
	if p.dropped.Load() != 0 {
		t.Fatalf("flush should reset the drop counter")
	}
	if len(fake.inputs) != 1 || len(fake.inputs[0].MetricData) != 1 {
		t.Fatalf("expected the queued datum to be sent")
	}
}

func TestFlushSwallowsErrors(t *testing.T) {
	fake := &fakePutMetricData{err: errors.New("throttled")}
	p := withFakePublisher(t, fake, 4)

	publishMetricDatum(Metric{Component: "processor", Name: "events_received"}, 1)
	flushQueued(p)
	if len(fake.inputs) != 1 {
		t.Fatalf("expected publish attempt")
	}
}

func TestCloseFlushesQueuedDatums(t *testing.T) {
	fake := &fakePutMetricData{}
	p := withFakePublisher(t, fake, 8)
	go p.run(time.Hour)

	publishMetricDatum(Metric{Component: "supervisor", Name: "listener_connected"}, 0)
	publishMetricDatum(Metric{Component: "dispatcher", Name: "deliveries_succeeded"}, 1)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("Close did not return")
	}

	sent := 0
	for _, in := range fake.inputs {
		sent += len(in.MetricData)
	}
	if sent != 2 {
		t.Fatalf("expected queued datums flushed on close, sent %d", sent)
	}
	if cwPublisher.Load() == p {
		t.Fatalf("closed publisher should no longer receive datums")
	}
	p.Close()
}

func TestPublishDisabled(t *testing.T) {
	prev := cwPublisher.Load()
	cwPublisher.Store(nil)
	t.Cleanup(func() { cwPublisher.Store(prev) })

	publishMetricDatum(Metric{Component: "processor", Name: "events_received"}, 1)
}
