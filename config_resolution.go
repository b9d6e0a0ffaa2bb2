package main

import (
	"time"

	"github.com/analytics-sql/goanalytics/pool"
)

type configCLIInputs struct {
	Set map[string]bool

	Host            string
	Username        string
	Password        string
	ConnectTimeout  string
	Dataverse       string
	ScanConsistency string
	ScanWait        string
	SSL             bool
	SSLMode         string
	SSLCertPath     string
}

type resolvedConfig struct {
	Host           string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Dataverse      string
	Properties     pool.Properties
}

func defaultConfig() resolvedConfig {
	return resolvedConfig{
		Host:       "localhost:8095",
		Properties: pool.Properties{},
	}
}

func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) resolvedConfig {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	cfg := defaultConfig()
	connectTimeout := ""

	setProp := func(name, value string) {
		if value != "" {
			cfg.Properties[name] = value
		}
	}

	if fileCfg != nil {
		if fileCfg.Host != "" {
			cfg.Host = fileCfg.Host
		}
		if fileCfg.Username != "" {
			cfg.Username = fileCfg.Username
		}
		if fileCfg.Password != "" {
			cfg.Password = fileCfg.Password
		}
		if fileCfg.ConnectTimeout != "" {
			connectTimeout = fileCfg.ConnectTimeout
		}
		if fileCfg.Dataverse != "" {
			cfg.Dataverse = fileCfg.Dataverse
		}
		setProp(pool.PropScanConsistency, fileCfg.ScanConsistency)
		setProp(pool.PropScanWait, fileCfg.ScanWait)

		if fileCfg.EnablePlainSasl {
			cfg.Properties[pool.PropEnablePlainSaslAuth] = "true"
		}

		if fileCfg.TLS.Enabled {
			cfg.Properties[pool.PropSSL] = "true"
		}
		setProp(pool.PropSSLMode, fileCfg.TLS.Mode)
		setProp(pool.PropSSLCertPath, fileCfg.TLS.CertPath)
		setProp(pool.PropSSLKeystorePath, fileCfg.TLS.KeystorePath)
		setProp(pool.PropSSLKeystorePassword, fileCfg.TLS.KeystorePassword)

		if fileCfg.ClientCert.Enabled {
			cfg.Properties[pool.PropClientCertAuth] = "true"
		}
		setProp(pool.PropClientCertKeystorePath, fileCfg.ClientCert.KeystorePath)
		setProp(pool.PropClientCertKeystorePassword, fileCfg.ClientCert.KeystorePassword)
		setProp(pool.PropClientCertPath, fileCfg.ClientCert.CertPath)
		setProp(pool.PropClientKeyPath, fileCfg.ClientCert.KeyPath)
		setProp(pool.PropClientKeyPassword, fileCfg.ClientCert.KeyPassword)

		for k, v := range fileCfg.Properties {
			cfg.Properties[k] = v
		}
	}

	if v := getenv("GOANALYTICS_HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("GOANALYTICS_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := getenv("GOANALYTICS_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := getenv("GOANALYTICS_CONNECT_TIMEOUT"); v != "" {
		connectTimeout = v
	}
	if v := getenv("GOANALYTICS_DATAVERSE"); v != "" {
		cfg.Dataverse = v
	}
	if v := getenv("GOANALYTICS_SCAN_CONSISTENCY"); v != "" {
		cfg.Properties[pool.PropScanConsistency] = v
	}
	if v := getenv("GOANALYTICS_SCAN_WAIT"); v != "" {
		cfg.Properties[pool.PropScanWait] = v
	}
	if v := getenv("GOANALYTICS_SSL"); v != "" {
		cfg.Properties[pool.PropSSL] = v
	}
	if v := getenv("GOANALYTICS_SSL_MODE"); v != "" {
		cfg.Properties[pool.PropSSLMode] = v
	}
	if v := getenv("GOANALYTICS_SSL_CERT_PATH"); v != "" {
		cfg.Properties[pool.PropSSLCertPath] = v
	}

	if cli.Set["host"] {
		cfg.Host = cli.Host
	}
	if cli.Set["user"] {
		cfg.Username = cli.Username
	}
	if cli.Set["password"] {
		cfg.Password = cli.Password
	}
	if cli.Set["connect-timeout"] {
		connectTimeout = cli.ConnectTimeout
	}
	if cli.Set["dataverse"] {
		cfg.Dataverse = cli.Dataverse
	}
	if cli.Set["scan-consistency"] {
		cfg.Properties[pool.PropScanConsistency] = cli.ScanConsistency
	}
	if cli.Set["scan-wait"] {
		cfg.Properties[pool.PropScanWait] = cli.ScanWait
	}
	if cli.Set["ssl"] {
		if cli.SSL {
			cfg.Properties[pool.PropSSL] = "true"
		} else {
			delete(cfg.Properties, pool.PropSSL)
		}
	}
	if cli.Set["ssl-mode"] {
		cfg.Properties[pool.PropSSLMode] = cli.SSLMode
	}
	if cli.Set["ssl-cert"] {
		cfg.Properties[pool.PropSSLCertPath] = cli.SSLCertPath
	}

	if connectTimeout != "" {
		if d, err := time.ParseDuration(connectTimeout); err == nil {
			cfg.ConnectTimeout = d
			cfg.Properties[pool.PropConnectTimeout] = connectTimeout
		} else {
			warn("Invalid connect timeout duration: " + err.Error())
		}
	}

	return cfg
}
