package mailbox

import "fmt"

// Command is a firmware API command code.
type Command uint32

// Encoder firmware commands.
const (
	CmdPing                    Command = 0x80
	CmdBeginCapture            Command = 0x81
	CmdEndCapture              Command = 0x82
	CmdAssignAudioID           Command = 0x89
	CmdAssignVideoID           Command = 0x8b
	CmdAssignPCRID             Command = 0x8d
	CmdAssignFramerate         Command = 0x8f
	CmdAssignFrameSize         Command = 0x91
	CmdAssignBitrates          Command = 0x95
	CmdAssignGOPProperties     Command = 0x97
	CmdAssignAspectRatio       Command = 0x99
	CmdAssignDNRFilterMode     Command = 0x9b
	CmdAssignDNRFilterProps    Command = 0x9d
	CmdAssignCoringLevels      Command = 0x9f
	CmdAssignSpatialFilterType Command = 0xa1
	CmdAssign32Pulldown        Command = 0xb1
	CmdSelectVBILine           Command = 0xb7
	CmdAssignStreamType        Command = 0xb9
	CmdAssignOutputPort        Command = 0xbb
	CmdAssignAudioProperties   Command = 0xbd
	CmdHaltFW                  Command = 0xc3
	CmdGetVersion              Command = 0xc4
	CmdAssignGOPClosure        Command = 0xc5
	CmdGetSeqEnd               Command = 0xc6
	CmdAssignPGMIndexInfo      Command = 0xc7
	CmdConfigVBI               Command = 0xc8
	CmdAssignDMABlockLen       Command = 0xc9
	CmdPrevDMAInfoMB10         Command = 0xca
	CmdPrevDMAInfoMB9          Command = 0xcb
	CmdSchedDMAToHost          Command = 0xcc
	CmdInitializeInput         Command = 0xcd
	CmdAssignFrameDropRate     Command = 0xd0
	CmdPauseEncoder            Command = 0xd2
	CmdRefreshInput            Command = 0xd3
	CmdAssignCopyright         Command = 0xd4
	CmdEventNotification       Command = 0xd5
	CmdAssignNumVsyncLines     Command = 0xd6
	CmdAssignPlaceholder       Command = 0xd7
	CmdMuteVideo               Command = 0xd9
	CmdMuteAudio               Command = 0xda
	CmdEncUnknown              Command = 0xdb
	CmdEncMisc                 Command = 0xdc
)

var commandNames = map[Command]string{
	CmdPing:                    "PING_FW",
	CmdBeginCapture:            "BEGIN_CAPTURE",
	CmdEndCapture:              "END_CAPTURE",
	CmdAssignAudioID:           "ASSIGN_AUDIO_ID",
	CmdAssignVideoID:           "ASSIGN_VIDEO_ID",
	CmdAssignPCRID:             "ASSIGN_PCR_ID",
	CmdAssignFramerate:         "ASSIGN_FRAMERATE",
	CmdAssignFrameSize:         "ASSIGN_FRAME_SIZE",
	CmdAssignBitrates:          "ASSIGN_BITRATES",
	CmdAssignGOPProperties:     "ASSIGN_GOP_PROPERTIES",
	CmdAssignAspectRatio:       "ASSIGN_ASPECT_RATIO",
	CmdAssignDNRFilterMode:     "ASSIGN_DNR_FILTER_MODE",
	CmdAssignDNRFilterProps:    "ASSIGN_DNR_FILTER_PROPS",
	CmdAssignCoringLevels:      "ASSIGN_CORING_LEVELS",
	CmdAssignSpatialFilterType: "ASSIGN_SPATIAL_FILTER_TYPE",
	CmdAssign32Pulldown:        "ASSIGN_3_2_PULLDOWN",
	CmdSelectVBILine:           "SELECT_VBI_LINE",
	CmdAssignStreamType:        "ASSIGN_STREAM_TYPE",
	CmdAssignOutputPort:        "ASSIGN_OUTPUT_PORT",
	CmdAssignAudioProperties:   "ASSIGN_AUDIO_PROPERTIES",
	CmdHaltFW:                  "HALT_FW",
	CmdGetVersion:              "GETVER",
	CmdAssignGOPClosure:        "ASSIGN_GOP_CLOSURE",
	CmdGetSeqEnd:               "GET_SEQ_END",
	CmdAssignPGMIndexInfo:      "ASSIGN_PGM_INDEX_INFO",
	CmdConfigVBI:               "CONFIG_VBI",
	CmdAssignDMABlockLen:       "ASSIGN_DMA_BLOCKLEN",
	CmdPrevDMAInfoMB10:         "PREV_DMA_INFO_MB_10",
	CmdPrevDMAInfoMB9:          "PREV_DMA_INFO_MB_9",
	CmdSchedDMAToHost:          "SCHED_DMA_TO_HOST",
	CmdInitializeInput:         "INITIALIZE_INPUT",
	CmdAssignFrameDropRate:     "ASSIGN_FRAME_DROP_RATE",
	CmdPauseEncoder:            "PAUSE_ENCODER",
	CmdRefreshInput:            "REFRESH_INPUT",
	CmdAssignCopyright:         "ASSIGN_COPYRIGHT",
	CmdEventNotification:       "EVENT_NOTIFICATION",
	CmdAssignNumVsyncLines:     "ASSIGN_NUM_VSYNC_LINES",
	CmdAssignPlaceholder:       "ASSIGN_PLACEHOLDER",
	CmdMuteVideo:               "MUTE_VIDEO",
	CmdMuteAudio:               "MUTE_AUDIO",
	CmdEncUnknown:              "ENC_UNKNOWN",
	CmdEncMisc:                 "ENC_MISC",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_0x%02x", uint32(c))
}

// Class describes how a command travels through the mailbox.
type Class struct {
	// Stored commands are idempotent and go through the command cache.
	Stored bool
	// Wait commands poll for a firmware result and hold the process semaphore.
	Wait bool
	// Attempts overrides the result poll attempts when non-zero.
	Attempts int
}

var (
	classBlocking  = Class{Wait: true}
	classNoWait    = Class{}
	classStoredNow = Class{Stored: true}
	classDefault   = Class{Stored: true, Wait: true}
)

// HaltAttempts bounds the result poll of HALT_FW.
const HaltAttempts = 100

var commandClasses = map[Command]Class{
	CmdBeginCapture:      classBlocking,
	CmdEndCapture:        classBlocking,
	CmdEventNotification: classBlocking,
	CmdPing:              classBlocking,

	CmdPauseEncoder:  classBlocking,
	CmdHaltFW:        {Wait: true, Attempts: HaltAttempts},
	CmdGetVersion:    classBlocking,
	CmdConfigVBI:     classBlocking,
	CmdSelectVBILine: classBlocking,

	CmdEncUnknown:          classNoWait,
	CmdEncMisc:             classNoWait,
	CmdAssignDMABlockLen:   classNoWait,
	CmdInitializeInput:     classNoWait,
	CmdRefreshInput:        classNoWait,
	CmdAssignNumVsyncLines: classNoWait,
	CmdMuteVideo:           classNoWait,
	CmdMuteAudio:           classNoWait,

	CmdAssignAudioID: classStoredNow,
	CmdAssignVideoID: classStoredNow,
	CmdAssignPCRID:   classStoredNow,
}

// ClassOf returns the transport class of a command.
func ClassOf(c Command) Class {
	if cls, ok := commandClasses[c]; ok {
		return cls
	}
	return classDefault
}
