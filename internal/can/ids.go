package can

// 发现协议标识符（全系统共享）
const (
	IDModuleAnnounce uint16 = 0x410 // 外设 -> 主控
	IDModuleQuery    uint16 = 0x411 // 主控 -> 广播

	DiscoveryBase uint16 = 0x410
	DiscoveryLast uint16 = 0x41F
)

// 模块消息块内的偏移
const (
	OffsetPlaySound     uint16 = 0x0
	OffsetStopSound     uint16 = 0x1
	OffsetStopAll       uint16 = 0x2
	OffsetSoundAck      uint16 = 0x3
	OffsetStopAck       uint16 = 0x4
	OffsetSoundFinished uint16 = 0x5
	OffsetSoundStatus   uint16 = 0x6
)

// Block 模块消息 ID 块。高 7 位选择 16 个连续标识符的范围，
// 例如 0x42 覆盖 0x420-0x42F。
type Block uint8

// Base 块内首个标识符
func (b Block) Base() uint16 { return uint16(b) << 4 }

// ID 块内指定偏移的标识符
func (b Block) ID(offset uint16) uint16 { return b.Base() | (offset & 0x0F) }

// Contains 判断标识符是否属于该块
func (b Block) Contains(id uint16) bool { return id>>4 == uint16(b) }

// Offset 标识符在块内的偏移
func Offset(id uint16) uint16 { return id & 0x0F }

// IsDiscovery 判断是否为发现协议帧
func IsDiscovery(id uint16) bool { return id >= DiscoveryBase && id <= DiscoveryLast }
