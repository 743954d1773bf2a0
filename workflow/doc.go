/*
包 workflow 提供轻量级的流水线编排引擎。

两种形态：

  - ChainWorkflow：固定的线性步骤序列，前一步输出作为下一步输入
  - Graph：命名节点 + 固定边/条件边，分支在图上声明而不是藏在步骤内部

执行过程中通过 context 注入的 StreamEmitter 发出 node_start /
node_complete / node_error 事件，observability 包据此为每个节点
创建追踪 span。
*/
package workflow
