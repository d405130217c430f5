package pkgset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// MBSClient queries a Module Build Service for scratch module builds,
// which are never tagged in Koji.
type MBSClient struct {
	URL    string
	Client *retryablehttp.Client
}

func NewMBSClient(apiURL string) *MBSClient {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &MBSClient{URL: strings.TrimSuffix(apiURL, "/"), Client: client}
}

// MBSBuild is the subset of a module build record the compose needs.
type MBSBuild struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Stream  string `json:"stream"`
	Version string `json:"version"`
	Context string `json:"context"`
	KojiTag string `json:"koji_tag"`
	Scratch bool   `json:"scratch"`
	State   string `json:"state_name"`
}

func (c *MBSClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.URL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MBS request %s failed: %s", target, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// BuildByNSVC finds the ready build with the given N:S:V:C.
func (c *MBSClient) BuildByNSVC(ctx context.Context, nsvc string) (*MBSBuild, error) {
	parts := strings.Split(nsvc, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("scratch module %q must be in N:S:V:C form", nsvc)
	}
	var reply struct {
		Items []MBSBuild `json:"items"`
	}
	query := url.Values{
		"name":    {parts[0]},
		"stream":  {parts[1]},
		"version": {parts[2]},
		"context": {parts[3]},
		"state":   {"ready"},
	}
	if err := c.get(ctx, "/module-builds/", query, &reply); err != nil {
		return nil, err
	}
	if len(reply.Items) == 0 {
		return nil, fmt.Errorf("module build %s not found in MBS", nsvc)
	}
	return &reply.Items[0], nil
}

// FinalModulemd returns the modulemd documents of a build keyed by arch.
func (c *MBSClient) FinalModulemd(ctx context.Context, id int) (map[string]string, error) {
	out := map[string]string{}
	if err := c.get(ctx, fmt.Sprintf("/final-modulemd/%d/", id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
