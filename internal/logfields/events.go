package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func PublishState(val string) zap.Field {
	return zap.String("publish.state", val)
}

func AttemptID(val string) zap.Field {
	return zap.String("publish.attempt_id", val)
}

func Outcome(val string) zap.Field {
	return zap.String("publish.outcome", val)
}
