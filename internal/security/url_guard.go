// Package security は外部サイトとの通信と外部由来テキストの安全性を扱う。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLGuard はサイトアダプタとbooru取り込みが使うURL検証とHTTPクライアント生成のインターフェース。
type URLGuard interface {
	// Client はプライベートアドレスへの接続をDialer段階で拒否するHTTPクライアントを返す。
	Client(timeout time.Duration) *http.Client
	// Check はDNS解決前に検査できる範囲でURLを検証する。
	Check(rawURL string) error
}

// blockedPrefixes は接続を拒否するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// siteGuard はURLGuardの実装。
type siteGuard struct {
	schemes []string
	ports   []int
}

// NewURLGuard はhttp/httpsかつ80/443番ポートのみを許可するURLGuardを生成する。
func NewURLGuard() URLGuard {
	return &siteGuard{
		schemes: []string{"http", "https"},
		ports:   []int{80, 443},
	}
}

// Client はsafeurlでラップしたHTTPクライアントを返す。
// DNS解決後のIPもControlフックで検査されるため、DNS再バインディングも防げる。
func (g *siteGuard) Client(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes...).
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(cfg).Client
}

// Check はスキームとホストを検証する。
func (g *siteGuard) Check(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLの解析に失敗しました: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range g.schemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("許可されていないスキームです: %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("ホストが空です: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("ブロック対象のホストです: %s", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		addr, _ := netip.AddrFromSlice(ip)
		addr = addr.Unmap()
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return fmt.Errorf("ブロック対象のIPアドレスです: %s", addr)
			}
		}
	}
	return nil
}
