//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canio/internal/metrics"
)

const (
	kindCAN  = "can"
	kindVCAN = "vcan"

	sizeofBitTiming  = 32
	sizeofCtrlMode   = 8
	sizeofBerrCount  = 4
	sizeofDevStats   = 24
	sizeofClock      = 4
	ctrlModeListenOn = unix.CAN_CTRLMODE_LISTENONLY
)

var errNotCAN = errors.New("socketcan: not a CAN interface")

// ifInfoMsg is struct ifinfomsg in host byte order.
type ifInfoMsg struct {
	Family uint8
	Type   uint16
	Index  int32
	Flags  uint32
	Change uint32
}

func (m ifInfoMsg) marshal() []byte {
	b := make([]byte, unix.SizeofIfInfomsg)
	b[0] = m.Family
	nlenc.PutUint16(b[2:4], m.Type)
	nlenc.PutInt32(b[4:8], m.Index)
	nlenc.PutUint32(b[8:12], m.Flags)
	nlenc.PutUint32(b[12:16], m.Change)
	return b
}

func (m *ifInfoMsg) unmarshal(b []byte) error {
	if len(b) < unix.SizeofIfInfomsg {
		return fmt.Errorf("ifinfomsg: short message (%d bytes)", len(b))
	}
	m.Family = b[0]
	m.Type = nlenc.Uint16(b[2:4])
	m.Index = nlenc.Int32(b[4:8])
	m.Flags = nlenc.Uint32(b[8:12])
	m.Change = nlenc.Uint32(b[12:16])
	return nil
}

// linkParams is what can be written back through IFLA_INFO_DATA.
type linkParams struct {
	bitrate  uint32
	ctrlMask uint32
	ctrlSet  uint32
}

func (p linkParams) encode(ae *netlink.AttributeEncoder) error {
	ae.String(unix.IFLA_INFO_KIND, kindCAN)
	ae.Nested(unix.IFLA_INFO_DATA, func(nae *netlink.AttributeEncoder) error {
		if p.bitrate != 0 {
			bt := make([]byte, sizeofBitTiming)
			nlenc.PutUint32(bt[0:4], p.bitrate)
			nae.Bytes(unix.IFLA_CAN_BITTIMING, bt)
		}
		if p.ctrlMask != 0 {
			cm := make([]byte, sizeofCtrlMode)
			nlenc.PutUint32(cm[0:4], p.ctrlMask)
			nlenc.PutUint32(cm[4:8], p.ctrlSet)
			nae.Bytes(unix.IFLA_CAN_CTRLMODE, cm)
		}
		return nil
	})
	return nil
}

// decodeLink parses an RTM_NEWLINK reply.
func decodeLink(data []byte) (LinkInfo, error) {
	var info LinkInfo
	var ifi ifInfoMsg
	if err := ifi.unmarshal(data); err != nil {
		return info, err
	}
	if ifi.Type != unix.ARPHRD_CAN {
		return info, errNotCAN
	}
	info.Up = ifi.Flags&unix.IFF_UP != 0
	ad, err := netlink.NewAttributeDecoder(data[unix.SizeofIfInfomsg:])
	if err != nil {
		return info, err
	}
	for ad.Next() {
		switch ad.Type() {
		case unix.IFLA_IFNAME:
			info.Name = ad.String()
		case unix.IFLA_LINKINFO:
			ad.Nested(info.decodeLinkInfo)
		}
	}
	if err := ad.Err(); err != nil {
		return info, fmt.Errorf("decode link: %w", err)
	}
	return info, nil
}

func (li *LinkInfo) decodeLinkInfo(ad *netlink.AttributeDecoder) error {
	for ad.Next() {
		switch ad.Type() {
		case unix.IFLA_INFO_KIND:
			li.Kind = ad.String()
			if li.Kind != kindCAN && li.Kind != kindVCAN {
				return errNotCAN
			}
		case unix.IFLA_INFO_DATA:
			ad.Nested(li.decodeCANData)
		case unix.IFLA_INFO_XSTATS:
			if b := ad.Bytes(); len(b) >= sizeofDevStats {
				li.BusOff = nlenc.Uint32(b[12:16])
				li.Restarts = nlenc.Uint32(b[20:24])
			}
		}
	}
	return nil
}

func (li *LinkInfo) decodeCANData(ad *netlink.AttributeDecoder) error {
	for ad.Next() {
		b := ad.Bytes()
		switch ad.Type() {
		case unix.IFLA_CAN_BITTIMING:
			if len(b) >= sizeofBitTiming {
				li.Bitrate = nlenc.Uint32(b[0:4])
				li.SamplePoint = nlenc.Uint32(b[4:8])
			}
		case unix.IFLA_CAN_CLOCK:
			if len(b) >= sizeofClock {
				li.ClockHz = nlenc.Uint32(b[0:4])
			}
		case unix.IFLA_CAN_STATE:
			if len(b) >= 4 {
				li.State = State(nlenc.Uint32(b[0:4]))
			}
		case unix.IFLA_CAN_CTRLMODE:
			if len(b) >= sizeofCtrlMode {
				li.ListenOnly = nlenc.Uint32(b[4:8])&ctrlModeListenOn != 0
			}
		case unix.IFLA_CAN_BERR_COUNTER:
			if len(b) >= sizeofBerrCount {
				li.TxErrors = nlenc.Uint16(b[0:2])
				li.RxErrors = nlenc.Uint16(b[2:4])
			}
		}
	}
	return nil
}

func ifIndex(iface string) (int32, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return 0, fmt.Errorf("if %q: %w", iface, err)
	}
	return int32(ifi.Index), nil
}

func execute(req netlink.Message) ([]netlink.Message, error) {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, fmt.Errorf("dial netlink: %w", err)
	}
	defer c.Close()
	req.Header.Flags |= netlink.Request | netlink.Acknowledge
	res, err := c.Execute(req)
	if err != nil {
		metrics.IncError(metrics.ErrLink)
		return nil, err
	}
	return res, nil
}

func newLink(ifi ifInfoMsg, p *linkParams) (netlink.Message, error) {
	msg := netlink.Message{
		Header: netlink.Header{Type: unix.RTM_NEWLINK},
		Data:   ifi.marshal(),
	}
	if p != nil {
		ae := netlink.NewAttributeEncoder()
		ae.Nested(unix.IFLA_LINKINFO, p.encode)
		attrs, err := ae.Encode()
		if err != nil {
			return msg, fmt.Errorf("encode link info: %w", err)
		}
		msg.Data = append(msg.Data, attrs...)
	}
	return msg, nil
}

// QueryLink reads bitrate, state and error counters of iface.
func QueryLink(iface string) (LinkInfo, error) {
	idx, err := ifIndex(iface)
	if err != nil {
		return LinkInfo{}, err
	}
	req := netlink.Message{
		Header: netlink.Header{Type: unix.RTM_GETLINK},
		Data:   ifInfoMsg{Index: idx}.marshal(),
	}
	res, err := execute(req)
	if err != nil {
		return LinkInfo{}, fmt.Errorf("query %s: %w", iface, err)
	}
	if len(res) != 1 {
		return LinkInfo{}, fmt.Errorf("query %s: expected 1 message, got %d", iface, len(res))
	}
	info, err := decodeLink(res[0].Data)
	if err != nil {
		return info, fmt.Errorf("query %s: %w", iface, err)
	}
	return info, nil
}

// SetLinkUp brings iface up or down.
func SetLinkUp(iface string, up bool) error {
	idx, err := ifIndex(iface)
	if err != nil {
		return err
	}
	ifi := ifInfoMsg{Index: idx, Change: unix.IFF_UP}
	if up {
		ifi.Flags = unix.IFF_UP
	}
	req, _ := newLink(ifi, nil)
	if _, err := execute(req); err != nil {
		return fmt.Errorf("set %s up=%t: %w", iface, up, err)
	}
	return nil
}

// SetBitrate programs the nominal bitrate. The link must be down.
func SetBitrate(iface string, bps uint32) error {
	return setParams(iface, linkParams{bitrate: bps}, "bitrate")
}

// SetListenOnly toggles listen-only mode. The link must be down.
func SetListenOnly(iface string, on bool) error {
	p := linkParams{ctrlMask: ctrlModeListenOn}
	if on {
		p.ctrlSet = ctrlModeListenOn
	}
	return setParams(iface, p, "listen-only")
}

func setParams(iface string, p linkParams, what string) error {
	idx, err := ifIndex(iface)
	if err != nil {
		return err
	}
	req, err := newLink(ifInfoMsg{Index: idx}, &p)
	if err != nil {
		return err
	}
	if _, err := execute(req); err != nil {
		return fmt.Errorf("set %s %s: %w", iface, what, err)
	}
	return nil
}

// configureLink applies the link half of cfg: cycle the link for bitrate
// or listen-only changes, otherwise just bring it up when asked.
func configureLink(iface string, cfg Config) error {
	if cfg.Bitrate == 0 && cfg.ListenOnly == nil {
		if !cfg.Up {
			return nil
		}
		info, err := QueryLink(iface)
		if err == nil && info.Up {
			return nil
		}
		return SetLinkUp(iface, true)
	}
	if err := SetLinkUp(iface, false); err != nil {
		return err
	}
	if cfg.Bitrate != 0 {
		if err := SetBitrate(iface, cfg.Bitrate); err != nil {
			return err
		}
	}
	if cfg.ListenOnly != nil {
		if err := SetListenOnly(iface, *cfg.ListenOnly); err != nil {
			return err
		}
	}
	return SetLinkUp(iface, true)
}
