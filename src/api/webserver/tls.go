package webserver

import (
	"crypto/tls"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const certCheckInterval = 5 * time.Minute

// TLSReloader serves a certificate pair from disk and picks up renewals without a
// restart.
type TLSReloader struct {
	certFile    string
	keyFile     string
	log         zerolog.Logger
	cert        *tls.Certificate
	mu          sync.RWMutex
	lastModCert time.Time
	lastModKey  time.Time
	stop        chan struct{}
	once        sync.Once
}

func NewTLSReloader(certFile, keyFile string, log zerolog.Logger) (*TLSReloader, error) {
	reloader := &TLSReloader{
		certFile: certFile,
		keyFile:  keyFile,
		log:      log,
		stop:     make(chan struct{}),
	}
	if err := reloader.reload(); err != nil {
		return nil, err
	}
	go reloader.watchFiles()
	return reloader, nil
}

func (r *TLSReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cert = &cert
	if info, err := os.Stat(r.certFile); err == nil {
		r.lastModCert = info.ModTime()
	}
	if info, err := os.Stat(r.keyFile); err == nil {
		r.lastModKey = info.ModTime()
	}
	r.mu.Unlock()

	r.log.Info().Str("cert", r.certFile).Msg("TLS certificates loaded")
	return nil
}

func (r *TLSReloader) changed() bool {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to stat cert file")
		return false
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to stat key file")
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return certInfo.ModTime().After(r.lastModCert) || keyInfo.ModTime().After(r.lastModKey)
}

func (r *TLSReloader) watchFiles() {
	ticker := time.NewTicker(certCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if !r.changed() {
				continue
			}
			if err := r.reload(); err != nil {
				r.log.Error().Err(err).Msg("failed to reload certificates")
			}
		}
	}
}

func (r *TLSReloader) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *TLSReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *TLSReloader) GetConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}
}
