// Package archive 将完成的对话交互固定到 IPFS（Pinata），并记录回执。
//
// 交互既可以通过 Service.ArchiveNow 同步归档，也可以通过 Service.Submit
// 投递到队列（memory、redis、rabbitmq），由 Processor 的工作协程异步归档，
// 失败时按可重试属性重新入队。
package archive
