// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

package installer

import (
	"path/filepath"

	"github.com/juju/errors"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/configinject"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/servicectl"
)

const (
	nginxUnit       = "nginx.service"
	defaultSitePath = "/etc/nginx/sites-available/default"
	defaultWebRoot  = "/var/www/html"
)

// nginxSiteTemplate serves the static SPA bundle and proxies /api to
// the app tier's load balancer. The /health location answers the probe
// locally so the web tier reports healthy even while the app tier is
// still converging.
const nginxSiteTemplate = `server {
    listen 80 default_server;
    listen [::]:80 default_server;

    root {{.webRoot}};
    index index.html;

    location /health {
        access_log off;
        return 200 "ok\n";
        add_header Content-Type text/plain;
    }

    location /api/ {
        proxy_pass http://{{.appBackend}};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }

    location / {
        try_files $uri $uri/ /index.html;
    }
}
`

// WebConfig parameterizes the web tier installer.
type WebConfig struct {
	Deps

	// AppBackendAddress is host:port of the app tier's internal load
	// balancer, proxied to under /api.
	AppBackendAddress string

	// TenantID, ClientID and APIBaseURL are baked into the browser
	// client's config.json.
	TenantID   string
	ClientID   string
	APIBaseURL string

	// WebRoot is where the static bundle lives; empty means
	// /var/www/html.
	WebRoot string

	// SiteConfigPath overrides the nginx site file location in tests.
	SiteConfigPath string

	// HealthURL overrides the health probe endpoint in tests; empty
	// means http://127.0.0.1/health.
	HealthURL string
}

// Validate returns an error if the configuration is incomplete.
func (c WebConfig) Validate() error {
	if err := c.Deps.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.AppBackendAddress == "" {
		return errors.NotValidf("empty app backend address")
	}
	if c.TenantID == "" || c.ClientID == "" {
		return errors.NotValidf("missing tenant or client id")
	}
	if c.APIBaseURL == "" {
		return errors.NotValidf("empty API base URL")
	}
	return nil
}

type webInstaller struct {
	config WebConfig
}

// NewWeb returns the installer for the web (nginx) tier.
func NewWeb(config WebConfig) (Installer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &webInstaller{config: config}, nil
}

func (w *webInstaller) webRoot() string {
	if w.config.WebRoot != "" {
		return w.config.WebRoot
	}
	return defaultWebRoot
}

func (w *webInstaller) sitePath() string {
	if w.config.SiteConfigPath != "" {
		return w.config.SiteConfigPath
	}
	return defaultSitePath
}

func (w *webInstaller) healthURL() string {
	if w.config.HealthURL != "" {
		return w.config.HealthURL
	}
	return "http://127.0.0.1/health"
}

// Install converges the web tier: nginx installed, site and client
// configuration rendered, config validated, service reloaded and
// answering its health probe.
func (w *webInstaller) Install() error {
	logger.Infof("converging web tier")
	if err := w.config.Packages.EnsureInstalled("nginx"); err != nil {
		return errors.Trace(err)
	}

	site := configinject.TemplateSink{
		Path:     w.sitePath(),
		Template: nginxSiteTemplate,
	}
	client := configinject.JSONSink{
		Path: filepath.Join(w.webRoot(), "config.json"),
	}
	err := configinject.Materialize(configinject.Bundle{
		"webRoot":    {Value: w.webRoot()},
		"appBackend": {Value: w.config.AppBackendAddress},
	}, site)
	if err != nil {
		return errors.Trace(err)
	}
	err = configinject.Materialize(configinject.Bundle{
		"tenantId":   {Value: w.config.TenantID},
		"clientId":   {Value: w.config.ClientID},
		"apiBaseUrl": {Value: w.config.APIBaseURL},
	}, client)
	if err != nil {
		return errors.Trace(err)
	}

	// Never hand nginx a config it will refuse to load.
	if out, err := runCommand("nginx", "-t"); err != nil {
		return errors.Annotatef(err, "nginx rejected the rendered config: %s", out)
	}

	if err := w.config.Services.EnsureEnabled(nginxUnit); err != nil {
		return errors.Trace(err)
	}
	if err := w.config.Services.ReloadOrRestart(nginxUnit); err != nil {
		return errors.Trace(err)
	}
	err = w.config.Services.WaitHealthy(nginxUnit,
		servicectl.HTTPHealthCheck(w.healthURL()))
	return errors.Trace(err)
}
