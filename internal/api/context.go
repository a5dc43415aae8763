package api

import "context"

// agentKey 是上下文中存储代理编号的键类型。
type agentKey struct{}

// WithAgent 将经过认证的代理编号存储到上下文中。
func WithAgent(ctx context.Context, agent string) context.Context {
	if agent == "" {
		return ctx
	}
	return context.WithValue(ctx, agentKey{}, agent)
}

// AgentFromContext 从上下文中提取代理编号。
func AgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if agent, ok := ctx.Value(agentKey{}).(string); ok {
		return agent
	}
	return ""
}
