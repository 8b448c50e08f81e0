package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/weiawesome/danmu-bridge/internal/domain"
)

const (
	DefaultAPIBase = "https://api.live.bilibili.com"
	DefaultHost    = "broadcastlv.chat.bilibili.com"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// ErrAPI is returned when the live API answers with a non-zero code.
var ErrAPI = errors.New("live api error")

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type roomInit struct {
	RoomID int64 `json:"room_id"`
}

type hostInfo struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WSPort  int    `json:"ws_port"`
	WSSPort int    `json:"wss_port"`
}

type danmuInfo struct {
	Token    string     `json:"token"`
	HostList []hostInfo `json:"host_list"`
}

type apiClient struct {
	base   string
	http   *http.Client
	creds  domain.Credentials
	header http.Header
}

func newAPIClient(base string, client *http.Client, creds domain.Credentials) *apiClient {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Referer", "https://live.bilibili.com/")
	return &apiClient{base: base, http: client, creds: creds, header: h}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header = c.header.Clone()
	for _, ck := range c.creds.Cookies() {
		req.AddCookie(ck)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s: status %d", ErrAPI, path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrAPI, path, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%w: GET %s: code %d: %s", ErrAPI, path, env.Code, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: GET %s data: %v", ErrAPI, path, err)
	}
	return nil
}

// realRoomID resolves a short room id to the long one.
func (c *apiClient) realRoomID(ctx context.Context, id domain.RoomID) (int64, error) {
	var out roomInit
	q := url.Values{"id": {id.String()}}
	if err := c.get(ctx, "/room/v1/Room/room_init", q, &out); err != nil {
		return 0, err
	}
	if out.RoomID <= 0 {
		return int64(id), nil
	}
	return out.RoomID, nil
}

func (c *apiClient) danmuInfo(ctx context.Context, realID int64) (danmuInfo, error) {
	var out danmuInfo
	q := url.Values{"id": {strconv.FormatInt(realID, 10)}, "type": {"0"}}
	err := c.get(ctx, "/xlive/web-room/v1/index/getDanmuInfo", q, &out)
	return out, err
}
