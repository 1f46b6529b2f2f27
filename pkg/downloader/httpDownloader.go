package downloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/i5heu/ouroboros-graph/pkg/batching"
	"github.com/i5heu/ouroboros-graph/pkg/interfaces"
	"github.com/i5heu/ouroboros-graph/pkg/logging"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

// maxLineSize bounds a single "<id>\t<json>" response line.
const maxLineSize = 64 << 20

type HTTPConfig struct {
	ServerURL string
	StreamID  string
	ObjectID  string
	Token     string

	Client       *http.Client
	MaxBatchSize int

	// RequestsPerSecond limits batch requests; zero disables the limit.
	RequestsPerSecond float64
	MaxRetries        uint64
	RetryInterval     time.Duration

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

// HTTPDownloader fetches objects from an object server. Ids are
// batched and posted to the getobjects endpoint, which answers with one
// "<id>\t<json>" line per object.
type HTTPDownloader struct {
	conf    HTTPConfig
	log     logrus.FieldLogger
	limiter *rate.Limiter
	backlog backlog

	mu      sync.Mutex
	queue   *batching.Queue[string]
	results interfaces.Queue[*model.Item]
	failed  failures
	closed  bool
}

func NewHTTPDownloader(conf HTTPConfig) *HTTPDownloader {
	if conf.Client == nil {
		conf.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if conf.MaxRetries == 0 {
		conf.MaxRetries = 3
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = 250 * time.Millisecond
	}
	conf.ServerURL = strings.TrimRight(conf.ServerURL, "/")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if conf.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), 1)
	}

	return &HTTPDownloader{
		conf:    conf,
		log:     logging.OrDefault(conf.Logger).WithField("stream", conf.StreamID),
		limiter: limiter,
	}
}

func (d *HTTPDownloader) InitializePool(params interfaces.PoolParams) {
	wait := params.MaxDownloadBatchWait
	if wait <= 0 {
		wait = DefaultBatchWait
	}

	q, err := batching.New(batching.Config[string]{
		Name:        "download",
		BatchSize:   batchSizeFor(params.Total, d.conf.MaxBatchSize),
		MaxWaitTime: wait,
		Process:     d.processBatch,
		OnError:     failures(params.Failed).batch,
		Logger:      d.log,
		Registerer:  d.conf.Registerer,
	})
	if err != nil {
		d.log.WithError(err).Error("Could not create download queue")
		return
	}

	d.mu.Lock()
	d.queue = q
	d.results = params.Results
	d.failed = params.Failed
	d.mu.Unlock()

	for _, id := range d.backlog.drain() {
		d.Add(id)
	}
}

// Add schedules id for download. Ids added before InitializePool are
// kept until the pool exists.
func (d *HTTPDownloader) Add(id string) {
	d.mu.Lock()
	q, closed := d.queue, d.closed
	d.mu.Unlock()

	if closed {
		d.log.WithField("id", id).Warn("Add after close ignored")
		return
	}
	if q == nil {
		d.backlog.push(id)
		return
	}
	if err := q.Add(id, id); err != nil {
		d.log.WithError(err).WithField("id", id).Warn("Could not queue download")
	}
}

func (d *HTTPDownloader) DownloadSingle(ctx context.Context) (*model.Item, error) {
	endpoint := fmt.Sprintf("%s/objects/%s/%s/single",
		d.conf.ServerURL, url.PathEscape(d.conf.StreamID), url.PathEscape(d.conf.ObjectID))

	var item *model.Item
	err := d.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		d.authorize(req)

		resp, err := d.conf.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrRootNotFound, d.conf.ObjectID))
		}
		if err := statusError(resp); err != nil {
			return err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		b, err := model.ParseBase(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		item = model.NewItem(b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download root %s: %w", d.conf.ObjectID, err)
	}
	return item, nil
}

func (d *HTTPDownloader) processBatch(ctx context.Context, ids []string) error {
	d.mu.Lock()
	results, failed := d.results, d.failed
	d.mu.Unlock()
	if results == nil {
		return ErrNotInitialized
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	items, err := d.fetchBatch(ctx, ids)
	if err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"requested": len(ids),
		"received":  len(items),
	}).Debug("Downloaded batch")

	for _, item := range items {
		results.Add(item)
	}
	failed.missing(ids, items)
	return nil
}

func (d *HTTPDownloader) fetchBatch(ctx context.Context, ids []string) ([]*model.Item, error) {
	encodedIDs, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"objects": string(encodedIDs)})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/api/getobjects/%s", d.conf.ServerURL, url.PathEscape(d.conf.StreamID))

	var items []*model.Item
	err = d.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/plain")
		d.authorize(req)

		resp, err := d.conf.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}

		items, err = d.readLines(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("download batch of %d: %w", len(ids), err)
	}
	return items, nil
}

func (d *HTTPDownloader) readLines(r io.Reader) ([]*model.Item, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var items []*model.Item
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		item, err := model.ParseItem(line)
		if err != nil {
			d.log.WithError(err).Warn("Skipping malformed object line")
			continue
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

func (d *HTTPDownloader) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(d.newBackOff(), d.conf.MaxRetries),
		ctx,
	)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		d.log.WithError(err).WithField("retryIn", wait.String()).Warn("Object server request failed")
	})
}

func (d *HTTPDownloader) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.conf.RetryInterval
	eb.MaxElapsedTime = 0
	return eb
}

func (d *HTTPDownloader) authorize(req *http.Request) {
	if d.conf.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.conf.Token)
	}
}

// statusError turns non-2xx responses into errors. Client errors are
// permanent, server errors are retried.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("object server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

func (d *HTTPDownloader) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	q := d.queue
	d.mu.Unlock()

	if q == nil {
		return nil
	}
	if err := q.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
