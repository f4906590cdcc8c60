package restriction

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pion/stun/v3"
)

// Check is one time-bounded connectivity test. Run returns nil on success.
type Check interface {
	Name() string
	Run(ctx context.Context) error
}

// HTTPCheck succeeds when the target answers with any HTTP response.
// The status is deliberately ignored: only reachability matters.
type HTTPCheck struct {
	URL    string
	Client *http.Client
}

func (c HTTPCheck) Name() string { return "http " + c.URL }

func (c HTTPCheck) Run(ctx context.Context) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.Body.Close()
}

// STUNCheck succeeds when a STUN server answers a binding request with a
// mapped address. UDP to public STUN servers is the first thing a restrictive
// network drops.
type STUNCheck struct {
	Addr string
}

func (c STUNCheck) Name() string { return "stun " + c.Addr }

func (c STUNCheck) Run(ctx context.Context) error {
	client, err := stun.Dial("udp4", c.Addr)
	if err != nil {
		return fmt.Errorf("dial stun %s: %w", c.Addr, err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		var resErr error
		err := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(res stun.Event) {
			if res.Error != nil {
				resErr = res.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			resErr = xorAddr.GetFrom(res.Message)
		})
		if err == nil {
			err = resErr
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
