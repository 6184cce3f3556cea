package rtc

import (
	"fmt"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Factory builds pion peer connections sharing one media engine and interceptor set.
// It implements core.PeerConnectionFactory.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func WebRTCConfig(servers []config.ICEServer) webrtc.Configuration {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return webrtc.Configuration{ICEServers: out}
}

func NewFactory(servers []config.ICEServer) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: sdp.AudioLevelURI,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register header extension: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	f := &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)),
		cfg: WebRTCConfig(servers),
	}
	log.Info().Str("module", "webrtc").Int("ice_servers", len(f.cfg.ICEServers)).Msg("factory ready")
	return f, nil
}

func (f *Factory) NewPeerConnection(remote domain.Identity) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, remote), nil
}
