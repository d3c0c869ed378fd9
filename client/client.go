package client

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	cfsslapi "github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/digitorus/pkcs7"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/api"
	"github.com/rkcloudchain/cmcresponder/cmc"
	"github.com/rkcloudchain/cmcresponder/config"
	"github.com/rkcloudchain/cmcresponder/util"
)

const (
	defaultServerPort = "8054"
)

// Config is the client's configuration
type Config struct {
	// URL of the cmc-responder server
	URL string
	TLS TLSConfig
}

// TLSConfig holds the trusted roots for a TLS connection to the server
type TLSConfig struct {
	Enabled   bool
	CertFiles []string
}

// CAInfo is the decoded response of the cainfo endpoint
type CAInfo struct {
	CAName string
	// CAChain is the responding CA certificate followed by its issuers
	CAChain            []*x509.Certificate
	SignatureAlgorithm string
	Version            string
}

// Client talks to a cmc-responder server
type Client struct {
	// The client's home directory
	HomeDir string
	// The client's configuration
	Config *Config
	// HTTP client associated with this client
	httpClient  *http.Client
	initialized bool
}

// Init initialize the client
func (c *Client) Init() error {
	if !c.initialized {
		if c.Config == nil {
			return errors.New("Client configuration is missing")
		}
		log.Debugf("Initializing client with config %+v", c.Config)

		err := c.initHTTPClient()
		if err != nil {
			return err
		}
		c.initialized = true
	}
	return nil
}

func (c *Client) initHTTPClient() error {
	tr := new(http.Transport)
	if c.Config.TLS.Enabled {
		log.Info("TLS enabled")

		files := make([]*string, len(c.Config.TLS.CertFiles))
		for i := range c.Config.TLS.CertFiles {
			files[i] = &c.Config.TLS.CertFiles[i]
		}
		err := util.MakeFileNamesAbsolute(files, c.HomeDir)
		if err != nil {
			return err
		}

		pool, err := config.LoadPEMCertPool(c.Config.TLS.CertFiles)
		if err != nil {
			return errors.WithMessage(err, "Failed to get client TLS config")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	c.httpClient = &http.Client{Transport: tr}
	return nil
}

// GetCAInfo returns the name and certificate chain of the responding CA
func (c *Client) GetCAInfo() (*CAInfo, error) {
	err := c.Init()
	if err != nil {
		return nil, err
	}

	curl, err := c.getURL("cainfo")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, curl, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to create request to %s", curl)
	}

	var result api.CAInfoResponseNet
	err = c.SendReq(req, &result)
	if err != nil {
		return nil, err
	}

	chain, err := helpers.ParseCertificatesPEM([]byte(result.CAChain))
	if err != nil {
		return nil, errors.WithMessage(err, "Invalid CA chain in server response")
	}
	return &CAInfo{
		CAName:             result.CAName,
		CAChain:            chain,
		SignatureAlgorithm: result.SignatureAlgorithm,
		Version:            result.Version,
	}, nil
}

// GetResponse asks the server to build the CMC response for req. It returns
// the DER encoded response, or nil if the server had nothing to send.
func (c *Client) GetResponse(req *api.CMCResponseRequestNet) ([]byte, error) {
	log.Debugf("Requesting CMC response for %d outcomes", len(req.Outcomes))

	err := c.Init()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal CMC response request")
	}
	post, err := c.newPost("cmc/response", body)
	if err != nil {
		return nil, err
	}
	post.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(post)
	if err != nil {
		return nil, errors.Wrapf(err, "%s failure of request: %s", post.Method, post.URL)
	}
	defer resp.Body.Close()

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read response of request: %s", post.URL)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Type") == cmc.ContentType:
		return respBody, nil
	default:
		return nil, responseError(resp.StatusCode, respBody, post.URL.String())
	}
}

// VerifyResponse checks that der is a full CMC response signed by ca and
// returns its decoded body
func VerifyResponse(der []byte, ca *x509.Certificate) (*cmc.ResponseBody, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse CMC response")
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errors.New("CMC response must have exactly one signer")
	}
	if ca != nil && !signer.Equal(ca) {
		return nil, errors.Errorf("CMC response was signed by '%s', not by the CA", signer.Subject)
	}

	err = p7.Verify()
	if err != nil {
		return nil, errors.Wrap(err, "Invalid signature on CMC response")
	}

	return cmc.ParseResponseBody(p7.Content)
}

// SendReq sends a request to the cmc-responder server and fills in the result
func (c *Client) SendReq(req *http.Request, result interface{}) (err error) {
	urlStr := req.URL.String()
	log.Debugf("Sending request %s", urlStr)

	err = c.Init()
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s failure of request: %s", req.Method, urlStr)
	}
	var respBody []byte
	if resp.Body != nil {
		respBody, err = ioutil.ReadAll(resp.Body)
		defer func() {
			err := resp.Body.Close()
			if err != nil {
				log.Debugf("Failed to close the response body: %s", err.Error())
			}
		}()
		if err != nil {
			return errors.Wrapf(err, "Failed to read response of request: %s", urlStr)
		}
	}

	body, err := parseEnvelope(respBody)
	if err != nil {
		return err
	}
	scode := resp.StatusCode
	if scode >= 400 {
		return errors.Errorf("Failed with server status code %d for request: \n%s", scode, urlStr)
	}
	if body == nil {
		return errors.Errorf("Empty response body: \n%s", urlStr)
	}
	if !body.Success {
		return errors.Errorf("Server returned failure for request: \n%s", urlStr)
	}
	log.Debugf("Response body result: %+v", body.Result)
	if result != nil {
		return mapstructure.Decode(body.Result, result)
	}
	return nil
}

func parseEnvelope(respBody []byte) (*cfsslapi.Response, error) {
	if len(respBody) == 0 {
		return nil, nil
	}
	body := new(cfsslapi.Response)
	err := json.Unmarshal(respBody, body)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to parse response: %s", respBody)
	}
	if len(body.Errors) > 0 {
		var errorMsg string
		for _, err := range body.Errors {
			msg := fmt.Sprintf("Response from server: Error code: %d - %s\n", err.Code, err.Message)
			if errorMsg == "" {
				errorMsg = msg
			} else {
				errorMsg = errorMsg + fmt.Sprintf("\n%s", msg)
			}
		}
		return nil, errors.New(errorMsg)
	}
	return body, nil
}

func responseError(scode int, respBody []byte, urlStr string) error {
	_, err := parseEnvelope(respBody)
	if err != nil {
		return err
	}
	return errors.Errorf("Failed with server status code %d for request: \n%s", scode, urlStr)
}

// NewPost create a new post request
func (c *Client) newPost(endpoint string, reqBody []byte) (*http.Request, error) {
	curl, err := c.getURL(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, curl, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrapf(err, "Failed posting to %s", curl)
	}
	return req, nil
}

func (c *Client) getURL(endpoint string) (string, error) {
	nurl, err := NormalizeURL(c.Config.URL)
	if err != nil {
		return "", err
	}
	rtn := fmt.Sprintf("%s/api/v1/%s", strings.TrimRight(nurl.String(), "/"), endpoint)
	return rtn, nil
}

// NormalizeURL normalizes a URL (from cfssl)
func NormalizeURL(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Opaque != "" {
		u.Host = net.JoinHostPort(u.Scheme, u.Opaque)
		u.Opaque = ""
	} else if u.Path != "" && !strings.Contains(u.Path, ":") {
		u.Host = net.JoinHostPort(u.Path, defaultServerPort)
		u.Path = ""
	} else if u.Scheme == "" {
		u.Host = u.Path
		u.Path = ""
	}
	if u.Scheme != "https" {
		u.Scheme = "http"
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		_, port, err = net.SplitHostPort(u.Host + ":" + defaultServerPort)
		if err != nil {
			return nil, err
		}
	}
	if port != "" {
		_, err = strconv.Atoi(port)
		if err != nil {
			return nil, err
		}
	}
	return u, nil
}
