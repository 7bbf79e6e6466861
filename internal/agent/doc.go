// Package agent 维护智能体画像目录。
//
// 目录在启动时从 YAML 加载并校验，之后只读；唯一可变的部分是每个画像的
// 运行表现指标，由编排层在每次交互结束后以指数滑动平均更新，
// 更新按画像串行化。Recommend 提供确定性的推荐打分。
package agent
