// Package fetch 抓取外部网页内容并按新鲜期缓存。
//
// Cache 先查询缓存，未命中或过期时依次调用主抓取服务与本地兜底抓取器，
// 两者都失败时返回 FETCH_FAILED 错误。FetchMany 并发抓取多个地址，
// 单个地址失败不影响其他结果。
package fetch
