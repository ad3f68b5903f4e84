package at

const (
	// Terminal Control
	CRLF = "\r\n"

	// Final result sentinels
	OK           = "\r\nOK\r\n"
	ERROR        = "\r\nERROR\r\n"
	FAIL         = "\r\nFAIL\r\n"
	SendPrompt   = "\r\nOK\r\n> "
	SendOK       = "\r\nSEND OK\r\n"
	SendFail     = "SEND FAIL\r\n"
	Busy         = "\r\nbusy s...\r\n"
	AlreadyConn  = "ALREADY CONNECTED"
	RecvTemplate = "\r\nRecv %d bytes\r\n"

	// Data delivery (+IPD)
	IPD          = "\r\n+IPD,"
	IPDSeparator = ','
	IPDTerm      = ':'

	// Link notifications
	WiFiConnected    = "WIFI CONNECTED\r\n"
	WiFiGotIP        = "WIFI GOT IP\r\n"
	WiFiDisconnected = "WIFI DISCONNECT\r\n"

	// Connection lifecycle notifications, preceded by the channel digit and
	// a comma when multiplexing is enabled.
	Connect     = "CONNECT\r\n"
	Closed      = "CLOSED\r\n"
	ConnectFail = "CONNECT FAIL\r\n"
)

// Commands
const (
	CmdAt        = "AT"
	CmdReset     = "AT+RST"
	CmdEchoOff   = "ATE0"
	CmdVersion   = "AT+GMR"
	CmdWiFiMode  = "AT+CWMODE_CUR"
	CmdListAP    = "AT+CWLAP"
	CmdJoinAP    = "AT+CWJAP_CUR"
	CmdQuitAP    = "AT+CWQAP"
	CmdSoftAP    = "AT+CWSAP_CUR"
	CmdStations  = "AT+CWLIF"
	CmdPing      = "AT+PING"
	CmdMux       = "AT+CIPMUX"
	CmdStart     = "AT+CIPSTART"
	CmdSend      = "AT+CIPSEND"
	CmdClose     = "AT+CIPCLOSE"
	CmdServer    = "AT+CIPSERVER"
	CmdQueryMark = "?"
)

// Category is the kind of message found at the front of the receive stream.
type Category int

const (
	CategoryNone      Category = iota // no match, the front may be a reply fragment
	CategoryData                      // +IPD data frame
	CategoryLink                      // WIFI ... notification
	CategoryLifecycle                 // <ch>,CONNECT / CLOSED / CONNECT FAIL
	CategoryPartial                   // a known pattern that has not fully arrived
)

func (c Category) String() string {
	switch c {
	case CategoryData:
		return "data"
	case CategoryLink:
		return "link"
	case CategoryLifecycle:
		return "lifecycle"
	case CategoryPartial:
		return "partial"
	default:
		return "none"
	}
}

// LinkEvent is a WiFi link notification.
type LinkEvent int

const (
	LinkConnected LinkEvent = iota
	LinkGotIP
	LinkDisconnected
)

func (e LinkEvent) String() string {
	switch e {
	case LinkConnected:
		return "connected"
	case LinkGotIP:
		return "got_ip"
	case LinkDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// LifecycleEvent is a connection lifecycle notification.
type LifecycleEvent int

const (
	LifecycleOpen LifecycleEvent = iota
	LifecycleClose
	LifecycleConnectFail
)

func (e LifecycleEvent) String() string {
	switch e {
	case LifecycleOpen:
		return "open"
	case LifecycleClose:
		return "close"
	case LifecycleConnectFail:
		return "connect_fail"
	default:
		return "unknown"
	}
}
