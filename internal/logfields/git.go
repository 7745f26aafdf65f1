package logfields

import "go.uber.org/zap"

func PullRequest(val int) zap.Field {
	return zap.Int("pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func SourceRef(val string) zap.Field {
	return zap.String("git.source_ref", val)
}

func TargetBranch(val string) zap.Field {
	return zap.String("git.target_branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func Command(val string) zap.Field {
	return zap.String("git.command", val)
}

func Remote(val string) zap.Field {
	return zap.String("git.remote", val)
}
