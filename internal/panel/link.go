package panel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

type streamSettings struct {
	Network         string          `json:"network"`
	Security        string          `json:"security"`
	Fingerprint     string          `json:"fingerprint"`
	SNI             string          `json:"sni"`
	ALPN            []string        `json:"alpn"`
	RealitySettings realitySettings `json:"realitySettings"`
	TLSSettings     struct {
		ServerName string `json:"serverName"`
	} `json:"tlsSettings"`
	WSSettings struct {
		Path    string            `json:"path"`
		Headers map[string]string `json:"headers"`
	} `json:"wsSettings"`
	GRPCSettings struct {
		ServiceName string `json:"serviceName"`
	} `json:"grpcSettings"`
	HTTPSettings struct {
		Path string   `json:"path"`
		Host []string `json:"host"`
	} `json:"httpSettings"`
}

type realitySettings struct {
	Dest        string   `json:"dest"`
	ServerNames []string `json:"serverNames"`
	ShortIDs    []string `json:"shortIds"`
	Settings    struct {
		PublicKey   string `json:"publicKey"`
		Fingerprint string `json:"fingerprint"`
		ServerName  string `json:"serverName"`
	} `json:"settings"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstOf(values []string) string {
	return firstNonEmpty(values...)
}

// sanitizeHost отбрасывает значения, которые не похожи на имя хоста или адрес.
func sanitizeHost(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || strings.ContainsAny(candidate, " /\\[{") {
		return ""
	}
	if !strings.Contains(candidate, ".") && !strings.ContainsAny(candidate, "0123456789") {
		return ""
	}
	// Слушать на всех интерфейсах не адрес для клиента.
	if candidate == "0.0.0.0" || candidate == "::" {
		return ""
	}
	return candidate
}

func (c *Client) hostPort(in inbound, serviceHost, destHost string, destPort int) (string, int) {
	host := ""
	for _, h := range []string{serviceHost, in.Listen, in.Remark, c.cfg.ServerHost, destHost} {
		if host = sanitizeHost(h); host != "" {
			break
		}
	}
	if host == "" {
		host = c.cfg.ServerHost
	}
	port := in.Port
	if port <= 0 {
		port = destPort
	}
	if port <= 0 {
		port = c.cfg.ServerPort
	}
	return host, port
}

// renderLink собирает ссылку доступа для клиента. Протокол берётся из
// inbound-а, а при его отсутствии из описания сервиса.
func (c *Client) renderLink(in inbound, rc remoteClient, serviceHost, protocol string) string {
	var ss streamSettings
	_ = decodeEmbedded(in.StreamSettings, &ss)
	if ss.Network == "" {
		ss.Network = "tcp"
	}

	switch resolveProtocol(in.Protocol, protocol) {
	case models.ProtocolVMess:
		return c.vmessLink(in, rc, ss, serviceHost)
	case models.ProtocolVLESS:
		return c.vlessLink(in, rc, ss, serviceHost)
	default:
		return ""
	}
}

func (c *Client) vlessLink(in inbound, rc remoteClient, ss streamSettings, serviceHost string) string {
	security := ss.Security
	if security == "" {
		security = "reality"
	}
	rs := ss.RealitySettings

	var destHost string
	var destPort int
	if dest := strings.TrimSpace(rs.Dest); dest != "" {
		if h, p, err := net.SplitHostPort(dest); err == nil {
			destHost = h
			destPort, _ = strconv.Atoi(p)
		} else {
			destHost = dest
		}
	}
	host, port := c.hostPort(in, serviceHost, destHost, destPort)

	publicKey := firstNonEmpty(rs.Settings.PublicKey, c.cfg.Reality.PublicKey)
	shortID := firstNonEmpty(firstOf(rs.ShortIDs), c.cfg.Reality.ShortID)
	sni := firstNonEmpty(firstOf(rs.ServerNames), rs.Settings.ServerName, c.cfg.Reality.SNI)
	fp := firstNonEmpty(ss.Fingerprint, rs.Settings.Fingerprint, c.cfg.Reality.Fingerprint)

	return fmt.Sprintf(
		"vless://%s@%s?type=%s&security=%s&pbk=%s&fp=%s&sni=%s&sid=%s&spx=%%2F&flow=%s#vles-%s",
		rc.uuid(), net.JoinHostPort(host, strconv.Itoa(port)), ss.Network, security,
		publicKey, fp, sni, shortID, strings.TrimSpace(rc.str("flow")), rc.email(),
	)
}

// vmessConfig формат ссылки vmess:// (v2rayN).
type vmessConfig struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port string `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Scy  string `json:"scy"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni,omitempty"`
	ALPN string `json:"alpn,omitempty"`
}

func (c *Client) vmessLink(in inbound, rc remoteClient, ss streamSettings, serviceHost string) string {
	host, port := c.hostPort(in, serviceHost, "", 0)

	hostHeader := firstNonEmpty(ss.WSSettings.Headers["Host"], ss.WSSettings.Headers["host"], firstOf(ss.HTTPSettings.Host))

	var path string
	switch ss.Network {
	case "grpc":
		path = ss.GRPCSettings.ServiceName
	case "http":
		path = ss.HTTPSettings.Path
	default:
		path = ss.WSSettings.Path
	}
	if path == "" {
		path = "/"
	}

	sec := strings.ToLower(ss.Security)
	tls := sec == "tls" || sec == "xtls"

	typ := "none"
	if ss.Network == "grpc" {
		typ = "gun"
	}

	cfg := vmessConfig{
		V:    "2",
		PS:   firstNonEmpty(in.Remark, "vmess-"+rc.email()),
		Add:  host,
		Port: strconv.Itoa(port),
		ID:   rc.uuid(),
		Aid:  strconv.FormatInt(rc.int64("alterId"), 10),
		Scy:  firstNonEmpty(rc.str("security"), "auto"),
		Net:  ss.Network,
		Type: typ,
		Host: firstNonEmpty(hostHeader, host),
		Path: path,
	}
	if tls {
		cfg.TLS = "tls"
		cfg.SNI = firstNonEmpty(ss.SNI, ss.TLSSettings.ServerName)
		cfg.ALPN = strings.Join(ss.ALPN, ",")
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(raw)
}
