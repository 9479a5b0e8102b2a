package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestURLGuard_ClientTimeout(t *testing.T) {
	client := NewURLGuard().Client(7 * time.Second)
	if client.Timeout != 7*time.Second {
		t.Errorf("Timeout = %v, want %v", client.Timeout, 7*time.Second)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("safeurlのTransportが設定されているべき")
	}
}

// httptestサーバーは127.0.0.1で起動するため、接続は拒否される。
func TestURLGuard_ClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	_, err := NewURLGuard().Client(5 * time.Second).Get(ts.URL)
	if err == nil {
		t.Fatal("ループバックへの接続はエラーになるべき")
	}
}

func TestURLGuard_Check(t *testing.T) {
	guard := NewURLGuard()

	allowed := []string{
		"https://danbooru.donmai.us/posts/123",
		"https://gelbooru.com/index.php?page=post&s=view&id=1",
		"http://example.com/image.png",
	}
	for _, u := range allowed {
		if err := guard.Check(u); err != nil {
			t.Errorf("Check(%q) がエラーを返した: %v", u, err)
		}
	}

	rejected := []string{
		"",
		"not a url",
		"ftp://example.com/a.png",
		"file:///etc/passwd",
		"http://localhost/a.png",
		"http://foo.localhost/a.png",
		"http://127.0.0.1/a.png",
		"http://10.1.2.3/a.png",
		"http://172.20.0.1/a.png",
		"http://192.168.1.1/a.png",
		"http://169.254.169.254/latest/meta-data/",
		"http://0.0.0.0/",
		"http://[::1]/",
		"http://[::ffff:127.0.0.1]/",
	}
	for _, u := range rejected {
		if err := guard.Check(u); err == nil {
			t.Errorf("Check(%q) はエラーを返すべき", u)
		}
	}
}
