package metrics

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"liqwatch/logger"
)

const (
	// PutMetricData accepts at most 1000 datums per request.
	cloudWatchBatchSize = 1000
	cloudWatchQueueSize = 4 * cloudWatchBatchSize
)

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// cloudWatchPublisher buffers datums from the emit path and ships them in
// batches so a slow AWS endpoint never stalls event processing.
type cloudWatchPublisher struct {
	client    putMetricDataAPI
	namespace string
	queue     chan cwtypes.MetricDatum
	dropped   atomic.Int64

	stopC     chan struct{}
	doneC     chan struct{}
	closeOnce sync.Once
}

func newCloudWatchPublisher(client putMetricDataAPI, namespace string, queueSize int) *cloudWatchPublisher {
	return &cloudWatchPublisher{
		client:    client,
		namespace: namespace,
		queue:     make(chan cwtypes.MetricDatum, queueSize),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

var cwPublisher atomic.Pointer[cloudWatchPublisher]

// InitCloudWatch starts the CloudWatch publisher and returns the function
// that stops it. Stopping blocks until queued datums are flushed, so it
// belongs after the components that emit metrics have stopped. ctx only
// bounds loading the AWS configuration. When that fails publishing stays
// disabled and the returned function is a no-op.
func InitCloudWatch(ctx context.Context, region, namespace string, flushInterval time.Duration) (stop func()) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "Liqwatch"
	}
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return func() {}
	}

	p := newCloudWatchPublisher(cloudwatch.NewFromConfig(awsCfg), namespace, cloudWatchQueueSize)
	cwPublisher.Store(p)
	go p.run(flushInterval)

	log.WithFields(logger.Fields{
		"region":         awsCfg.Region,
		"namespace":      namespace,
		"flush_interval": flushInterval.String(),
	}).Info("cloudwatch publisher started")
	return p.Close
}

// Close stops accepting datums, flushes what is queued and waits for the
// run loop to exit. The run loop must have been started.
func (p *cloudWatchPublisher) Close() {
	p.closeOnce.Do(func() {
		cwPublisher.CompareAndSwap(p, nil)
		close(p.stopC)
	})
	<-p.doneC
}

// publishMetricDatum queues m without blocking. A full queue drops the datum.
func publishMetricDatum(m Metric, value float64) {
	p := cwPublisher.Load()
	if p == nil {
		return
	}
	select {
	case p.queue <- toDatum(m, value):
	default:
		p.dropped.Add(1)
	}
}

func toDatum(m Metric, value float64) cwtypes.MetricDatum {
	unit := cwtypes.StandardUnitCount
	switch u, _ := m.Fields["unit"].(string); strings.ToLower(u) {
	case "percent":
		unit = cwtypes.StandardUnitPercent
	case "seconds":
		unit = cwtypes.StandardUnitSeconds
	case "bytes":
		unit = cwtypes.StandardUnitBytes
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(ts),
	}
}

func (p *cloudWatchPublisher) run(interval time.Duration) {
	defer close(p.doneC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, cloudWatchBatchSize)
	send := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		p.flush(ctx, batch)
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case <-p.stopC:
			batch = p.drainInto(batch)
			send()
			return
		case d := <-p.queue:
			batch = append(batch, d)
			if len(batch) == cloudWatchBatchSize {
				send()
			}
		case <-ticker.C:
			send()
		}
	}
}

// drainInto moves everything currently queued into batch.
func (p *cloudWatchPublisher) drainInto(batch []cwtypes.MetricDatum) []cwtypes.MetricDatum {
	for {
		select {
		case d := <-p.queue:
			batch = append(batch, d)
		default:
			return batch
		}
	}
}

// flush sends data in request-sized chunks. Failures are logged and the
// chunk is discarded.
func (p *cloudWatchPublisher) flush(ctx context.Context, data []cwtypes.MetricDatum) {
	if dropped := p.dropped.Swap(0); dropped > 0 {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"dropped": dropped}).Warn("cloudwatch queue full, datums dropped")
	}
	for start := 0; start < len(data); start += cloudWatchBatchSize {
		end := min(start+cloudWatchBatchSize, len(data))
		chunk := make([]cwtypes.MetricDatum, end-start)
		copy(chunk, data[start:end])
		_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(p.namespace),
			MetricData: chunk,
		})
		if err != nil {
			logger.GetLogger().WithComponent("cloudwatch").WithError(err).
				WithFields(logger.Fields{"datums": len(chunk)}).Debug("failed to publish CloudWatch metrics")
		}
	}
}
