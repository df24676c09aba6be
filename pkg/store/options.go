package store

import (
	"os"

	"go.uber.org/zap"

	"github.com/huynhanx03/go-kvdb/pkg/logger"
	"github.com/huynhanx03/go-kvdb/pkg/settings"
	"github.com/huynhanx03/go-kvdb/pkg/storage/btree"
	"github.com/huynhanx03/go-kvdb/pkg/storage/heap"
)

type options struct {
	order     int
	format    heap.Format
	formatSet bool
	noWait    bool
	sync      bool
	log       *zap.Logger
}

func defaultOptions() options {
	return options{
		order:  btree.MaxCell,
		format: heap.Flat,
		log:    zap.NewNop(),
	}
}

type Option func(*options)

// WithOrder sets the number of cells per page of a newly created index.
// It is ignored when opening an existing one.
func WithOrder(order int) Option {
	return func(o *options) { o.order = order }
}

// WithHeapFormat selects the heap layout of a new file pair. An existing pair
// must have been created with the same layout.
func WithHeapFormat(f heap.Format) Option {
	return func(o *options) {
		o.format = f
		o.formatSet = true
	}
}

// WithNoWait makes every lock acquisition fail with
// apperr.CodeLockContention instead of blocking.
func WithNoWait() Option {
	return func(o *options) { o.noWait = true }
}

// WithSync flushes both files to stable storage after every mutation.
func WithSync() Option {
	return func(o *options) { o.sync = true }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// OpenConfig validates cfg and opens the file pair it names with a logger
// built from cfg.Logger.
func OpenConfig(cfg settings.Config) (*DB, error) {
	if err := settings.Validate(&cfg); err != nil {
		return nil, errInvalid("config", err)
	}
	st := cfg.Storage

	flag := os.O_RDWR
	if st.Create {
		flag |= os.O_CREATE
	}
	if st.Truncate {
		flag |= os.O_TRUNC
	}
	perm := st.Perm
	if perm == 0 {
		perm = 0o644
	}

	opts := []Option{WithLogger(logger.New(cfg.Logger))}
	if st.Order != 0 {
		opts = append(opts, WithOrder(st.Order))
	}
	if st.HeapFormat != "" {
		f, err := heap.ParseFormat(st.HeapFormat)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithHeapFormat(f))
	}
	if st.NoWait {
		opts = append(opts, WithNoWait())
	}
	if st.Sync {
		opts = append(opts, WithSync())
	}
	return Open(st.Name, flag, perm, opts...)
}
