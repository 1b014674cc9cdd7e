package hw

// Register offsets inside the register window.
const (
	RegDMAXfer    uint32 = 0x0000
	RegDMAStatus  uint32 = 0x0004
	RegDecDMAAddr uint32 = 0x0008
	RegEncDMAAddr uint32 = 0x000c
	RegDMAControl uint32 = 0x0010
	RegDMABits    uint32 = 0x001c
	RegIRQStatus  uint32 = 0x0040
	RegIRQMask    uint32 = 0x0048

	// Encoder scatter-gather banks. Bank n lives at RegEncSG + n*SGBankStride.
	RegEncSG     uint32 = 0x0080
	SGBankStride uint32 = 0x000c
	SGBankCount         = 8

	RegEncSDRAMRefresh   uint32 = 0x07f8
	RegEncSDRAMPrecharge uint32 = 0x07fc

	RegVDM       uint32 = 0x2800
	RegAO        uint32 = 0x2d00
	RegByteFlush uint32 = 0x2d24
	RegSPU       uint32 = 0x9050
	RegHWBlocks  uint32 = 0x9054
	RegVPU       uint32 = 0x9058
	RegAPU       uint32 = 0xa064
)

// Functional unit command values.
const (
	CmdVDMStop     uint32 = 0
	CmdAOStop      uint32 = 5
	CmdAPUPing     uint32 = 0
	CmdVPUStop16   uint32 = 0xffffffee
	CmdHWBlocksRst uint32 = 0xffffffff
	CmdSPUStop     uint32 = 1

	// Start values are AND-ed into the current register contents.
	MaskSPUEnable   uint32 = 0xfffffffe
	MaskVPUEnable16 uint32 = 0xfffffffb

	SDRAMPrechargeInit uint32 = 0x0000001a
	SDRAMRefreshInit   uint32 = 0x80000640
)

// Interrupt status bits.
const (
	IRQEncStartCap    uint32 = 1 << 31
	IRQEncEOS         uint32 = 1 << 30
	IRQEncVBICap      uint32 = 1 << 29
	IRQEncVIMReset    uint32 = 1 << 28
	IRQEncDMAComplete uint32 = 1 << 27
	IRQDecDMAComplete uint32 = 1 << 20
	IRQDMAErr         uint32 = 1 << 18
	IRQDMAWrite       uint32 = 1 << 17
	IRQDMARead        uint32 = 1 << 16

	IRQMaskInit           = IRQDMAErr | IRQDMARead | IRQEncDMAComplete
	IRQMaskCapture        = IRQEncStartCap | IRQEncEOS
	IRQMaskAll     uint32 = 0xffffffff
)

// DMA status register bits.
const (
	DMAStatusReadDone  uint32 = 0x01
	DMAStatusWriteDone uint32 = 0x02
	DMAStatusErrRead   uint32 = 0x04
	DMAStatusErrWrite  uint32 = 0x08
	DMAStatusErrList   uint32 = 0x10

	DMAStatusErrMask = DMAStatusErrWrite | DMAStatusErrList
)

// BAR layout of the cx23416.
const (
	EncoderOffset uint32 = 0x00000000
	EncoderSize   uint32 = 0x00800000
	RegOffset     uint32 = 0x02000000
	RegSize       uint32 = 0x00010000
)
