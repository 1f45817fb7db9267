package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供分类策略/响应来源等字段，供拦截请求日志复用。
func RequestFields(strategy, source, url, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"action":   "intercept",
		"strategy": strategy,
		"source":   source,
		"url":      url,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// LifecycleFields 描述代际（generation）与状态迁移。
func LifecycleFields(action, generation, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
		"state":      state,
	}
}
