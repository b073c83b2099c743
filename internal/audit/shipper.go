package audit

/*
Файл shipper.go отгружает копии событий журнала во внешнее хранилище
(GCS bucket или локальный каталог), независимое от основной базы.

- Non-blocking: Enqueue никогда не блокирует путь принятия решения; при переполнении
  запись сбрасывается с предупреждением (load shedding).
- Batching: записи копятся и выгружаются пачкой по таймеру или по лимиту.
- Drain Pattern: Stop закрывает канал и ждет, пока воркер выгрузит остаток.
- Failure channel: ошибки выгрузки не теряются молча, а публикуются в Failures().
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ShipRecord: внешняя копия события.
type ShipRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Hash        string `json:"hash"`
	PrevHash    string `json:"prevHash"`
	Signature   string `json:"signature"`
	Timestamp   string `json:"timestamp"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
}

// Key: _audit_log_shipping/{ws}/{yyyy}/{mm}/{dd}/{id}.json.
func (r ShipRecord) Key() string {
	day := r.Timestamp
	if t, err := time.Parse(timestampLayout, r.Timestamp); err == nil {
		day = t.Format("2006/01/02")
	}
	return fmt.Sprintf("_audit_log_shipping/%s/%s/%s.json", r.WorkspaceID, day, r.ID)
}

// Sink: куда физически выгружаются записи. Реализуется connectors.FileStore и connectors.GCSStore.
type Sink interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// ShipFailure: запись, которую не удалось выгрузить.
type ShipFailure struct {
	Record ShipRecord
	Err    error
}

type ShipperConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type Shipper struct {
	ch       chan ShipRecord
	failures chan ShipFailure
	sink     Sink
	cfg      ShipperConfig
	logger   *zap.Logger
	wg       sync.WaitGroup
	isClosed int32 // 0 - открыт, 1 - закрыт
}

func NewShipper(sink Sink, cfg ShipperConfig, logger *zap.Logger) *Shipper {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Shipper{
		ch:       make(chan ShipRecord, cfg.BufferSize),
		failures: make(chan ShipFailure, 100),
		sink:     sink,
		cfg:      cfg,
		logger:   logger.Named("audit_shipper"),
	}
}

func (s *Shipper) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop «запирает» вход и ждет, пока воркер всё выгрузит.
func (s *Shipper) Stop() {
	// 1. Флаг: новые записи больше не принимаются
	if !atomic.CompareAndSwapInt32(&s.isClosed, 0, 1) {
		return
	}

	// 2. Даем текущим Enqueue проскочить
	time.Sleep(10 * time.Millisecond)

	// 3. Drain: закрываем канал и ждем финальный flush
	s.logger.Info("stopping shipper: closing channel and flushing buffer...")
	close(s.ch)
	s.wg.Wait()
	close(s.failures)
	s.logger.Info("shipper stopped gracefully")
}

func (s *Shipper) Enqueue(rec ShipRecord) {
	if atomic.LoadInt32(&s.isClosed) == 1 {
		s.logger.Warn("audit ship record dropped: shipper is stopping", zap.String("id", rec.ID))
		return
	}

	select {
	case s.ch <- rec:
	default:
		s.logger.Warn("audit_shipping_overflow",
			zap.String("workspace_id", rec.WorkspaceID),
			zap.String("id", rec.ID),
		)
	}
}

// Failures: канал неудачных выгрузок. Закрывается в Stop.
func (s *Shipper) Failures() <-chan ShipFailure { return s.failures }

// QueueLen: текущая глубина очереди (для метрик).
func (s *Shipper) QueueLen() int { return len(s.ch) }

func (s *Shipper) worker() {
	defer s.wg.Done()

	batch := make([]ShipRecord, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		for _, rec := range batch {
			// Background: контекст запроса к этому моменту уже завершен
			if err := s.upload(context.Background(), rec); err != nil {
				s.logger.Error("AUDIT_SHIPPING_FAIL", zap.String("id", rec.ID), zap.Error(err))
				s.reportFailure(ShipFailure{Record: rec, Err: err})
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-s.ch:
			if !ok {
				flush()
				s.logger.Info("shipper worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Shipper) upload(ctx context.Context, rec ShipRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.sink.Upload(ctx, rec.Key(), data)
}

func (s *Shipper) reportFailure(f ShipFailure) {
	select {
	case s.failures <- f:
	default:
	}
}
