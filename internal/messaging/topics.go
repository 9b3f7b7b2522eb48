package messaging

// Topics carrying pool events
const (
	TopicShares     = "solo.shares"     // stratumd → shareproc
	TopicBlocks     = "solo.blocks"     // stratumd → shareproc
	TopicDifficulty = "solo.difficulty" // stratumd → shareproc
)
