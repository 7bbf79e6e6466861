// Package llm 定义流式补全服务的统一接口。
//
// 各提供方（openai、ollama）把网络响应逐行解码为 Chunk，调用方通过
// ChunkStream.Recv 逐个读取文本片段，读到 io.EOF 表示流正常结束。
// BreakerClient 用熔断器保护流的建立过程。
package llm
