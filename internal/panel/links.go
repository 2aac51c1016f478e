package panel

import (
	"fmt"
	"net/url"
)

// VlessLink собирает ссылку семейства A. sni добавляется только при security=tls.
func VlessLink(id, host string, port int, stream StreamSettings, remark string) string {
	network := stream.Network
	if network == "" {
		network = "tcp"
	}
	security := stream.Security
	if security == "" {
		security = "none"
	}
	params := url.Values{}
	params.Set("type", network)
	params.Set("security", security)
	if security == "tls" {
		sni := stream.TLSSettings.ServerName
		if sni == "" {
			sni = host
		}
		params.Set("sni", sni)
	}
	return fmt.Sprintf("vless://%s@%s:%d?%s#%s", id, host, port, params.Encode(), url.PathEscape(remark))
}

// WireguardLink собирает ссылку семейства B из публичного ключа и общего ключа.
func WireguardLink(publicKey, presharedKey, host string, port int, remark string) string {
	params := url.Values{}
	params.Set("preshared_key", presharedKey)
	return fmt.Sprintf("wg://%s@%s:%d?%s#%s", publicKey, host, port, params.Encode(), url.PathEscape(remark))
}
