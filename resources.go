package ftpengine

import (
	"sync"

	"github.com/gonzalop/ftpengine/internal/bufpool"
	"github.com/gonzalop/ftpengine/internal/options"
	"github.com/gonzalop/ftpengine/internal/ratelimit"
)

// TransferResources are the transfer buffers and bandwidth limiters that
// data connections draw from. Every client using the same value shares
// its buffers, and concurrent transfers split its speed limits.
type TransferResources struct {
	pool     *bufpool.Pool
	inbound  *ratelimit.Limiter
	outbound *ratelimit.Limiter
}

// NewTransferResources sizes the pool and the limiters from opts. Later
// rate changes in opts are applied to the limiters; an unlimited
// direction stays unlimited.
func NewTransferResources(opts *options.Store) *TransferResources {
	burst := int(opts.Int("speedlimit.burst"))
	r := &TransferResources{
		pool:     bufpool.NewPool(int(opts.Int("transfer.buffer_count")), int(opts.Int("transfer.buffer_size"))),
		inbound:  ratelimit.New(opts.Int("speedlimit.inbound"), burst),
		outbound: ratelimit.New(opts.Int("speedlimit.outbound"), burst),
	}
	opts.OnChange(func(cfg *options.Config) {
		r.inbound.SetRate(cfg.SpeedLimit.Inbound)
		r.outbound.SetRate(cfg.SpeedLimit.Outbound)
	})
	return r
}

var (
	sharedResourcesOnce sync.Once
	sharedResources     *TransferResources
)

// defaultResources returns the process-wide resources. They are sized
// from the options of the first client that needs them.
func defaultResources(opts *options.Store) *TransferResources {
	sharedResourcesOnce.Do(func() {
		sharedResources = NewTransferResources(opts)
	})
	return sharedResources
}
