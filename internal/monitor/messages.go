package monitor

const (
	stallMessage = `
Block height stuck on %s!

Height: %d

State: %s

lastError: %s

Time since last new block: %d seconds (%f minutes)
`
	lagMessage = `
%s is falling behind!

Height: %d

Blocks behind: %d

Comparison node: %s
`
)
