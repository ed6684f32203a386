// Package protocol defines the command taxonomy multiplexed over one peer channel
// and its two carrier forms: JSON text frames and raw binary frames.
package protocol

// Kind names a command on the wire (the "command" field).
type Kind string

const (
	KindPing             Kind = "ping"
	KindPong             Kind = "pong"
	KindTimeSync         Kind = "timeSync"
	KindTimeSyncResponse Kind = "timeSyncResponse"
	KindTimeSyncResult   Kind = "timeSyncResult"
	KindSpeedTest        Kind = "speedTest"
	KindSpeedAck         Kind = "speedAck"
	KindSpeedResult      Kind = "speedResult"
	KindFilePrepared     Kind = "filePrepared"
	KindFileCancel       Kind = "fileCancelPrepare"
	KindFileSending      Kind = "filePeerSending"
	KindFilePacket       Kind = "filePeerPacket"
	KindFileFinished     Kind = "fileFinished"
	KindMessage          Kind = "message"

	// KindChunk is never written as text: it labels the binary frame that
	// follows a filePeerPacket header.
	KindChunk Kind = "filePeerPacketBlob"
)

// Kinds lists every command kind, text and binary.
func Kinds() []Kind {
	return []Kind{
		KindPing, KindPong,
		KindTimeSync, KindTimeSyncResponse, KindTimeSyncResult,
		KindSpeedTest, KindSpeedAck, KindSpeedResult,
		KindFilePrepared, KindFileCancel, KindFileSending, KindFilePacket, KindFileFinished,
		KindMessage, KindChunk,
	}
}

// Frame is one message as carried by the channel.
type Frame struct {
	Data   []byte
	IsText bool
}

// Command is the closed set of messages. Only types in this package implement it.
type Command interface {
	Kind() Kind
	isCommand()
}

// Ping carries the sender's epoch milliseconds.
type Ping int64

// Pong echoes the Ping value unchanged.
type Pong int64

// TimeSync opens one clock-sync round.
type TimeSync struct {
	T1 int64 `json:"T1"`
}

// TimeSyncResponse echoes T1 and adds the responder's receive time T2.
type TimeSyncResponse struct {
	T1 int64 `json:"T1"`
	T2 int64 `json:"T2"`
}

// TimeSyncResult is the agreed clock offset in milliseconds.
type TimeSyncResult float64

// SpeedTest is a filler buffer; its content is irrelevant, only its size.
type SpeedTest []byte

// SpeedAck answers a SpeedTest. Encoded as `true`.
type SpeedAck struct{}

// SpeedResult is the agreed chunk size in bytes.
type SpeedResult int

// FilePrepared announces a file the sender is ready to stream.
type FilePrepared struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
}

// FileCancel withdraws a prepared file. Encoded as `true`.
type FileCancel struct{}

// FileSending signals that chunks are about to follow. Encoded as `true`.
type FileSending struct{}

// FilePacket is the header of one chunk; the chunk itself is the next binary frame.
type FilePacket struct {
	Partition int64 `json:"partition"`
}

// FileFinished asserts that every chunk of Name has been sent.
type FileFinished struct {
	Name string `json:"name"`
}

// Message is a chat line.
type Message string

// Chunk is the body of a file chunk, carried as a binary frame.
type Chunk []byte

func (Ping) Kind() Kind             { return KindPing }
func (Pong) Kind() Kind             { return KindPong }
func (TimeSync) Kind() Kind         { return KindTimeSync }
func (TimeSyncResponse) Kind() Kind { return KindTimeSyncResponse }
func (TimeSyncResult) Kind() Kind   { return KindTimeSyncResult }
func (SpeedTest) Kind() Kind        { return KindSpeedTest }
func (SpeedAck) Kind() Kind         { return KindSpeedAck }
func (SpeedResult) Kind() Kind      { return KindSpeedResult }
func (FilePrepared) Kind() Kind     { return KindFilePrepared }
func (FileCancel) Kind() Kind       { return KindFileCancel }
func (FileSending) Kind() Kind      { return KindFileSending }
func (FilePacket) Kind() Kind       { return KindFilePacket }
func (FileFinished) Kind() Kind     { return KindFileFinished }
func (Message) Kind() Kind          { return KindMessage }
func (Chunk) Kind() Kind            { return KindChunk }

func (Ping) isCommand()             {}
func (Pong) isCommand()             {}
func (TimeSync) isCommand()         {}
func (TimeSyncResponse) isCommand() {}
func (TimeSyncResult) isCommand()   {}
func (SpeedTest) isCommand()        {}
func (SpeedAck) isCommand()         {}
func (SpeedResult) isCommand()      {}
func (FilePrepared) isCommand()     {}
func (FileCancel) isCommand()       {}
func (FileSending) isCommand()      {}
func (FilePacket) isCommand()       {}
func (FileFinished) isCommand()     {}
func (Message) isCommand()          {}
func (Chunk) isCommand()            {}
