// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// ErrBlockedTarget marks a URL rejected by the SSRF policy. Callers
// count it as a per-URL soft error.
var ErrBlockedTarget = errors.New("crawl: target blocked by ssrf policy")

// MaxResponseBytes caps any single fetched body.
const MaxResponseBytes = 10 << 20 // 10 MiB

// fetchTimeout bounds one page or discovery fetch end to end.
const fetchTimeout = 10 * time.Second

// maxRedirects bounds redirect chains; each hop is re-validated.
const maxRedirects = 3

// metadataAddr is the cloud metadata endpoint, blocked unconditionally.
var metadataAddr = netip.MustParseAddr("169.254.169.254")

// Guard enforces the SSRF policy: targets must resolve to public
// unicast addresses. The zero value uses the system resolver.
type Guard struct {
	// resolve is swappable in tests.
	resolve func(ctx context.Context, host string) ([]netip.Addr, error)

	// permitLocal disables the address checks. Only test fixtures set
	// it; there is no exported way to turn it on.
	permitLocal bool
}

// NewGuard builds a Guard over the system resolver.
func NewGuard() *Guard {
	return &Guard{resolve: resolveHost}
}

func resolveHost(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// ValidateURL rejects non-http(s) schemes and hosts that resolve to a
// blocked address range. A host with no resolvable address is blocked.
func (g *Guard) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: unparseable url %q", ErrBlockedTarget, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedTarget, u.Scheme)
	}
	if g.permitLocal {
		return nil
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedTarget)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: address %s", ErrBlockedTarget, addr)
		}
		return nil
	}

	resolve := g.resolve
	if resolve == nil {
		resolve = resolveHost
	}
	addrs, err := resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: host %q does not resolve", ErrBlockedTarget, host)
	}
	for _, addr := range addrs {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: host %q resolves to %s", ErrBlockedTarget, host, addr)
		}
	}
	return nil
}

// blockedAddr implements the range policy: private, loopback,
// link-local, multicast, unspecified, and the metadata literal.
func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr == metadataAddr {
		return true
	}
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// HTTPClient returns a client that re-validates every redirect hop
// against the policy and refuses chains longer than maxRedirects.
// Response-size capping is the caller's job via io.LimitReader.
func (g *Guard) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return g.ValidateURL(req.Context(), req.URL.String())
		},
	}
}
