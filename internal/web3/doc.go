// Package web3 处理交互中的钱包与支付交易标识。
//
// NormalizeWallet 与 ClassifyTransaction 把请求里携带的钱包地址和交易哈希
// 归一化为归档记录使用的形式；ethereum 子包可以在配置了 RPC 节点时确认
// 支付交易是否已经成功上链。
package web3
